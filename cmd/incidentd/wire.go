package main

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/incidentd/internal/actuators"
	"github.com/fyrsmithlabs/incidentd/internal/actuators/argocd"
	"github.com/fyrsmithlabs/incidentd/internal/actuators/github"
	"github.com/fyrsmithlabs/incidentd/internal/actuators/kubernetes"
	"github.com/fyrsmithlabs/incidentd/internal/audit"
	"github.com/fyrsmithlabs/incidentd/internal/classify"
	"github.com/fyrsmithlabs/incidentd/internal/config"
	"github.com/fyrsmithlabs/incidentd/internal/embeddings"
	"github.com/fyrsmithlabs/incidentd/internal/engine"
	"github.com/fyrsmithlabs/incidentd/internal/executor"
	ihttp "github.com/fyrsmithlabs/incidentd/internal/http"
	"github.com/fyrsmithlabs/incidentd/internal/incident"
	"github.com/fyrsmithlabs/incidentd/internal/knowledge"
	"github.com/fyrsmithlabs/incidentd/internal/learning"
	"github.com/fyrsmithlabs/incidentd/internal/ledger"
	"github.com/fyrsmithlabs/incidentd/internal/logging"
	"github.com/fyrsmithlabs/incidentd/internal/normalizer"
	"github.com/fyrsmithlabs/incidentd/internal/notify"
	"github.com/fyrsmithlabs/incidentd/internal/policy"
	"github.com/fyrsmithlabs/incidentd/internal/scoring"
	"github.com/fyrsmithlabs/incidentd/internal/secrets"
	"github.com/fyrsmithlabs/incidentd/internal/telemetry"
	"github.com/fyrsmithlabs/incidentd/internal/vectorstore"
)

// app holds the wired pipeline and everything that must be released on exit.
type app struct {
	logger  *logging.Logger
	engine  *engine.Engine
	server  *ihttp.Server
	closers []func(context.Context) error
}

func (a *app) onClose(f func(context.Context) error) {
	a.closers = append(a.closers, f)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && a.logger != nil {
			a.logger.Warn(ctx, "shutdown step failed", zap.Error(err))
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// build wires every component from cfg. The HTTP server is only created
// when withServer is set. On error everything acquired so far is released.
func build(ctx context.Context, cfg *config.Config, withServer bool) (a *app, err error) {
	a = &app{}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	if a.logger, err = newLogger(cfg); err != nil {
		return a, err
	}

	tel, err := telemetry.New(ctx, telemetryConfig(cfg))
	if err != nil {
		return a, fmt.Errorf("initializing telemetry: %w", err)
	}
	a.onClose(tel.Shutdown)
	if derr := tel.Degraded(); derr != nil {
		a.logger.Warn(ctx, "telemetry running degraded", zap.Error(derr))
	}

	norm, err := newNormalizer(cfg)
	if err != nil {
		return a, err
	}

	var store vectorstore.Store
	if cfg.Knowledge.Similarity.Enabled {
		if store, err = newVectorStore(ctx, cfg, a); err != nil {
			return a, err
		}
		a.onClose(func(context.Context) error { return store.Close() })
	}

	tiers, err := newTiers(cfg, store)
	if err != nil {
		return a, err
	}
	if len(tiers) == 0 {
		a.logger.Warn(ctx, "no knowledge tiers enabled; every incident will escalate")
	}

	exec, err := newExecutor(ctx, cfg, a.logger)
	if err != nil {
		return a, err
	}

	led, err := newLedger(ctx, cfg, a.logger)
	if err != nil {
		return a, err
	}
	a.onClose(func(context.Context) error { return led.Close() })

	notifier, err := newNotifier(cfg, a)
	if err != nil {
		return a, err
	}

	rec, err := newAuditRecorder(ctx, cfg, a)
	if err != nil {
		return a, err
	}

	deps := engine.Deps{
		Normalizer: norm,
		Searcher:   knowledge.NewChain(a.logger.Named("knowledge"), tiers...),
		Scorer:     scoring.New(scoring.DefaultConfig()),
		Policy:     policy.New(policyConfig(cfg.Policy)),
		Executor:   exec,
		Ledger:     led,
		Notifier:   notifier,
		Audit:      rec,
		Routing: notify.Routing{
			DraftChannel:    cfg.Notify.DraftChannel,
			EscalateChannel: cfg.Notify.EscalateChannel,
			Mentions:        cfg.Notify.Mentions,
		},
		Logger:   a.logger,
		Deadline: cfg.Engine.Deadline.Duration(),
	}
	if store != nil {
		sink, err := learning.NewSink(store, cfg.Knowledge.Similarity.Collection, a.logger.Named("learning"))
		if err != nil {
			return a, err
		}
		deps.Learning = sink
	}

	if a.engine, err = engine.New(deps); err != nil {
		return a, err
	}

	if withServer {
		a.server, err = ihttp.NewServer(a.engine, a.logger, &ihttp.Config{
			Host:          "0.0.0.0",
			Port:          cfg.Server.Port,
			WebhookSecret: cfg.Server.WebhookSecret.Value(),
			RateLimit:     cfg.Server.RateLimit,
			RateBurst:     cfg.Server.RateBurst,
		})
		if err != nil {
			return a, fmt.Errorf("creating http server: %w", err)
		}
	}
	return a, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	lc := logging.NewDefaultConfig()
	lvl, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	lc.Level = lvl
	lc.Format = cfg.Logging.Format
	lc.Fields["version"] = version
	logger, err := logging.NewLogger(lc, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	return logger, nil
}

func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.NewDefaultConfig()
	tc.Enabled = cfg.Observability.EnableTelemetry
	tc.Endpoint = cfg.Observability.Endpoint
	tc.Protocol = cfg.Observability.Protocol
	tc.Insecure = cfg.Observability.Insecure
	tc.ServiceName = cfg.Observability.ServiceName
	tc.ServiceVersion = version
	tc.SampleRate = cfg.Observability.SampleRate
	return tc
}

func newNormalizer(cfg *config.Config) (*normalizer.Normalizer, error) {
	var (
		cls *classify.Classifier
		err error
	)
	if cfg.Normalizer.ClassifierRules != "" {
		cls, err = classify.LoadFile(cfg.Normalizer.ClassifierRules)
	} else {
		cls, err = classify.New(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("loading classifier rules: %w", err)
	}
	scrub, err := secrets.New(cfg.Normalizer.Scrubber)
	if err != nil {
		return nil, fmt.Errorf("creating scrubber: %w", err)
	}
	return normalizer.New(cls, scrub, normalizer.WithMaxExcerpt(cfg.Normalizer.MaxExcerptBytes)), nil
}

// newVectorStore opens the similarity store. The embedding provider is
// released with the app.
func newVectorStore(ctx context.Context, cfg *config.Config, a *app) (vectorstore.Store, error) {
	emb, err := embeddings.NewProvider(embeddings.ProviderConfig{
		Provider: cfg.Embeddings.Provider,
		Model:    cfg.Embeddings.Model,
		BaseURL:  cfg.Embeddings.BaseURL,
		CacheDir: cfg.Embeddings.CacheDir,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}
	a.onClose(func(context.Context) error { return emb.Close() })

	vs := cfg.VectorStore
	switch vs.Provider {
	case "qdrant":
		size := vs.VectorSize
		if d := emb.Dimension(); d > 0 {
			size = d
		}
		store, err := vectorstore.NewQdrantStore(ctx, vectorstore.QdrantConfig{
			Host:       vs.Qdrant.Host,
			Port:       vs.Qdrant.Port,
			UseTLS:     vs.Qdrant.UseTLS,
			VectorSize: size,
		}, emb, a.logger.Underlying())
		if err != nil {
			return nil, fmt.Errorf("connecting to qdrant: %w", err)
		}
		return store, nil
	default:
		store, err := vectorstore.NewChromemStore(vs.Chromem.Path, vs.Chromem.Compress, emb, a.logger.Underlying())
		if err != nil {
			return nil, fmt.Errorf("opening chromem store: %w", err)
		}
		return store, nil
	}
}

// newTiers returns the enabled knowledge tiers in priority order.
func newTiers(cfg *config.Config, store vectorstore.Store) ([]knowledge.Tier, error) {
	var tiers []knowledge.Tier

	if chat := cfg.Knowledge.Chat; chat.Enabled {
		var opts []slack.Option
		if chat.BaseURL != "" {
			opts = append(opts, slack.OptionAPIURL(chat.BaseURL))
		}
		src := knowledge.NewChatSource(slack.New(chat.Token.Value(), opts...), knowledge.ChatConfig{
			Channels:   chat.Channels,
			WindowDays: chat.WindowDays,
			MaxResults: chat.MaxResults,
			Floor:      chat.Floor,
		})
		tiers = append(tiers, knowledge.Tier{Source: src, Floor: chat.Floor, Timeout: chat.Timeout.Duration()})
	}

	if sim := cfg.Knowledge.Similarity; sim.Enabled && store != nil {
		src := knowledge.NewSimilaritySource(store, sim.Collection, sim.TopK)
		tiers = append(tiers, knowledge.Tier{Source: src, Floor: sim.Floor, Timeout: sim.Timeout.Duration()})
	}

	if gen := cfg.Knowledge.Generative; gen.Enabled {
		var analyzer knowledge.Analyzer
		switch gen.Backend {
		case "openai":
			analyzer = knowledge.NewOpenAIAnalyzer(gen.BaseURL, gen.Model, gen.APIKey.Value())
		default:
			lc, err := knowledge.NewLangChainOpenAI(gen.BaseURL, gen.Model, gen.APIKey.Value())
			if err != nil {
				return nil, fmt.Errorf("creating generative analyzer: %w", err)
			}
			analyzer = lc
		}
		src := knowledge.NewGenerativeSource(analyzer, gen.RequestsPerMinute)
		tiers = append(tiers, knowledge.Tier{Source: src, Timeout: gen.Timeout.Duration()})
	}
	return tiers, nil
}

func newExecutor(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*executor.Executor, error) {
	acts := executor.Actuators{
		Retrigger:    map[incident.Platform]actuators.Retriggerer{},
		SecretValues: actuators.EnvSecrets{Prefix: cfg.Executor.SecretPrefix},
	}

	gh := cfg.Actuators.GitHub
	if gh.Token.IsSet() {
		a, err := github.New(ctx, gh.Token.Value(), gh.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("creating github actuator: %w", err)
		}
		acts.Retrigger[incident.PlatformGitHub] = a
		acts.Secrets = a
		acts.Changes = a
	}

	if ac := cfg.Actuators.ArgoCD; ac.URL != "" {
		a, err := argocd.New(argocd.Config{URL: ac.URL, Token: ac.Token.Value(), Insecure: ac.Insecure})
		if err != nil {
			return nil, fmt.Errorf("creating argocd actuator: %w", err)
		}
		acts.Retrigger[incident.PlatformArgoCD] = a
	}

	if kc := cfg.Actuators.Kubernetes; kc.Enabled {
		a, err := kubernetes.NewFromKubeconfig(kc.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("creating kubernetes actuator: %w", err)
		}
		acts.Retrigger[incident.PlatformKubernetes] = a
		acts.Scaler = a
	}

	ex := cfg.Executor
	return executor.New(executor.Config{
		MaxAttempts:    ex.MaxAttempts,
		InitialBackoff: ex.InitialBackoff.Duration(),
		MaxBackoff:     ex.MaxBackoff.Duration(),
		Multiplier:     ex.Multiplier,
		Jitter:         ex.Jitter,
		DependencyWait: ex.DependencyWait.Duration(),
		ScaleFactor:    cfg.Actuators.Kubernetes.ScaleFactor,
		ManifestRepo:   gh.ManifestRepo,
		BaseBranch:     gh.BaseBranch,
	}, acts, logger.Named("executor")), nil
}

func newLedger(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*ledger.Ledger, error) {
	var store ledger.Store
	switch cfg.Ledger.Backend {
	case "badger":
		bs, err := ledger.OpenBadger(cfg.Ledger.Badger.Path)
		if err != nil {
			return nil, fmt.Errorf("opening badger ledger: %w", err)
		}
		store = bs
	case "redis":
		rc := cfg.Ledger.Redis
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password.Value(),
			DB:       rc.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connecting to redis ledger at %s: %w", rc.Addr, err)
		}
		store = ledger.NewRedisStore(client, rc.KeyPrefix)
	default:
		store = ledger.NewMemoryStore()
	}
	return ledger.New(store, logger.Named("ledger")), nil
}

func newNotifier(cfg *config.Config, a *app) (notify.Notifier, error) {
	n := notify.Multi{notify.NewLog(a.logger.Named("notify"))}
	if cfg.Notify.SlackToken.IsSet() {
		n = append(n, notify.NewSlack(slack.New(cfg.Notify.SlackToken.Value())))
	}
	if cfg.Notify.NATSURL != "" {
		nc, err := notify.ConnectNATS(cfg.Notify.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to nats at %s: %w", cfg.Notify.NATSURL, err)
		}
		a.onClose(func(context.Context) error { return nc.Drain() })
		n = append(n, notify.NewNATS(nc, cfg.Notify.SubjectPrefix))
	}
	return n, nil
}

func newAuditRecorder(ctx context.Context, cfg *config.Config, a *app) (audit.Recorder, error) {
	if !cfg.Audit.Enabled {
		return audit.NewLogRecorder(a.logger.Named("audit")), nil
	}
	coll, disconnect, err := audit.Connect(ctx, cfg.Audit.URI.Value(), cfg.Audit.Database, cfg.Audit.Collection)
	if err != nil {
		return nil, fmt.Errorf("connecting audit store: %w", err)
	}
	a.onClose(disconnect)
	return audit.NewMongoRecorder(coll, a.logger.Named("audit")), nil
}

// policyConfig converts the string-keyed threshold table. The "default"
// entry becomes the fallback band.
func policyConfig(pc config.PolicyConfig) policy.Config {
	out := policy.DefaultConfig()
	out.Thresholds = make(map[incident.Environment]policy.Thresholds, len(pc.Thresholds))
	for env, t := range pc.Thresholds {
		band := policy.Thresholds{AutoFix: t.AutoFix, Escalate: t.Escalate}
		if env == "default" {
			out.Default = band
			continue
		}
		out.Thresholds[incident.Environment(env)] = band
	}
	if pc.AlwaysEscalate != nil {
		out.AlwaysEscalate = pc.AlwaysEscalate
	}
	out.RetryCap = pc.RetryCap
	return out
}
