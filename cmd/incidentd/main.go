// Package main implements the incidentd daemon and its operator commands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/incidentd/internal/config"
	"github.com/fyrsmithlabs/incidentd/internal/incident"
)

var (
	// configPath overrides the default ~/.config/incidentd/config.yaml.
	configPath string
	// platform forces the source platform for `handle`.
	platform string

	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "incidentd",
	Short: "Automated remediation for CI/CD and cluster failures",
	Long: `incidentd receives failure events from GitHub Actions, ArgoCD and
Kubernetes, searches for a known fix, scores it, and then applies it,
drafts it for review, or escalates to a human.`,
	SilenceUsage: true,
	Version:      version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default ~/.config/incidentd/config.yaml)")

	handleCmd.Flags().StringVar(&platform, "platform", "", "source platform: github, argocd or kubernetes (detected when empty)")

	incidentCmd.AddCommand(incidentGetCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(handleCmd)
	rootCmd.AddCommand(incidentCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server",
	Long: `Run the webhook server until SIGINT or SIGTERM.

Webhooks are accepted at /webhooks/{github,argocd,kubernetes,auto}.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var handleCmd = &cobra.Command{
	Use:   "handle [file]",
	Short: "Process one failure payload and print the outcome",
	Long: `Process one failure payload through the full pipeline and print the
handling result as JSON. Reads stdin when no file is given or the file is "-".

Examples:
  # Replay a saved GitHub workflow_run payload
  incidentd handle --platform github run.json

  # Let incidentd detect the platform
  cat event.json | incidentd handle`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHandle,
}

var incidentCmd = &cobra.Command{
	Use:   "incident",
	Short: "Inspect recorded incidents",
}

var incidentGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Print an incident and its transitions",
	Args:  cobra.ExactArgs(1),
	RunE:  runIncidentGet,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := config.Load(configPath); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets redacted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		out, err := cfg.Dump()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "incidentd %s\n", version)
		fmt.Fprintf(w, "Commit:     %s\n", gitCommit)
		fmt.Fprintf(w, "Built:      %s\n", buildDate)
		fmt.Fprintf(w, "Go version: %s\n", runtime.Version())
	},
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	a.logger.Info(ctx, "starting incidentd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("ledger", cfg.Ledger.Backend),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return a.server.Shutdown(sctx)
	})
	return g.Wait()
}

func runHandle(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	var p incident.Platform
	if platform != "" {
		if p, err = incident.ParsePlatform(platform); err != nil {
			return err
		}
	}
	payload, err := readPayload(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := build(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.engine.Handle(ctx, p, payload)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func runIncidentGet(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := build(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	inc, err := a.engine.Get(ctx, args[0])
	if err != nil {
		return err
	}
	if inc == nil {
		return fmt.Errorf("incident %s not found", args[0])
	}
	return printJSON(cmd.OutOrStdout(), inc)
}

// readPayload reads the named file, or stdin for "-" or no argument.
func readPayload(stdin io.Reader, args []string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("payload is empty")
	}
	return data, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// closeTimeout bounds resource teardown after a command finishes.
const closeTimeout = 10 * time.Second
