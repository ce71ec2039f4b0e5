// Package argocd triggers application syncs through the Argo CD REST API.
package argocd

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fyrsmithlabs/incidentd/internal/actuators"
	"github.com/fyrsmithlabs/incidentd/internal/incident"
)

const name = "argocd"

// Config configures the client.
type Config struct {
	URL      string
	Token    string
	Insecure bool
	Timeout  time.Duration
}

// Actuator syncs applications.
type Actuator struct {
	base   string
	token  string
	client *http.Client
}

// New validates cfg and builds a client.
func New(cfg Config) (*Actuator, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("argocd url is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("parsing argocd url: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Insecure {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed installs
	}
	return &Actuator{
		base:   strings.TrimSuffix(cfg.URL, "/"),
		token:  cfg.Token,
		client: &http.Client{Timeout: cfg.Timeout, Transport: tr},
	}, nil
}

type syncRequest struct {
	Prune  bool `json:"prune"`
	DryRun bool `json:"dryRun"`
}

// RetriggerWorkflow syncs the application named in ev to its target
// revision.
func (a *Actuator) RetriggerWorkflow(ctx context.Context, ev incident.FailureEvent) error {
	app := ev.Attributes["application"]
	if app == "" {
		app = ev.Resource
	}
	if app == "" {
		return actuators.Permanent(name, "sync", fmt.Errorf("event names no application"))
	}

	body, _ := json.Marshal(syncRequest{})
	endpoint := fmt.Sprintf("%s/api/v1/applications/%s/sync", a.base, url.PathEscape(app))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return actuators.Permanent(name, "sync", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return actuators.Transient(name, "sync", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return actuators.HTTPFailure(name, "sync", resp.StatusCode,
			fmt.Errorf("sync %s: status %d: %s", app, resp.StatusCode, bytes.TrimSpace(msg)))
	}
	return nil
}
