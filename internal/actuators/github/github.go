// Package github implements workflow reruns, secret updates and pull
// requests against the GitHub REST API.
package github

import (
	"context"
	crand "crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/incidentd/internal/actuators"
	"github.com/fyrsmithlabs/incidentd/internal/incident"
	gh "github.com/google/go-github/v57/github"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/oauth2"
)

const name = "github"

// Actuator talks to one GitHub (or GitHub Enterprise) instance.
type Actuator struct {
	client *gh.Client
}

// New builds an authenticated client. baseURL is only needed for GitHub
// Enterprise or tests, and must end with a slash.
func New(ctx context.Context, token, baseURL string) (*Actuator, error) {
	var hc *http.Client
	if token != "" {
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}
	client := gh.NewClient(hc)
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parsing github base url: %w", err)
		}
		client.BaseURL = u
	}
	return &Actuator{client: client}, nil
}

// failure classifies a go-github error. Rate limits, 5xx and transport
// errors are transient; a 403 carrying rate headers is a secondary rate
// limit.
func failure(op string, resp *gh.Response, err error) error {
	var (
		rle *gh.RateLimitError
		are *gh.AbuseRateLimitError
	)
	if errors.As(err, &rle) || errors.As(err, &are) {
		return actuators.Transient(name, op, err)
	}
	if resp == nil || resp.Response == nil {
		return actuators.Transient(name, op, err)
	}
	if resp.StatusCode == http.StatusForbidden && resp.Rate.Limit > 0 && resp.Rate.Remaining == 0 {
		return actuators.Transient(name, op, err)
	}
	return actuators.HTTPFailure(name, op, resp.StatusCode, err)
}

// RetriggerWorkflow re-runs the failed jobs of the run in ev.
func (a *Actuator) RetriggerWorkflow(ctx context.Context, ev incident.FailureEvent) error {
	owner, repo, err := actuators.SplitRepository(ev.Repository)
	if err != nil {
		return actuators.Permanent(name, "rerun", err)
	}
	runID, err := strconv.ParseInt(ev.Attributes["run_id"], 10, 64)
	if err != nil {
		return actuators.Permanent(name, "rerun", fmt.Errorf("event has no run_id: %w", err))
	}
	resp, err := a.client.Actions.RerunFailedJobsByID(ctx, owner, repo, runID)
	if err != nil {
		return failure("rerun", resp, err)
	}
	return nil
}

// UpdateSecret seals value with the repository public key and stores it.
func (a *Actuator) UpdateSecret(ctx context.Context, repository, secret, value string) error {
	owner, repo, err := actuators.SplitRepository(repository)
	if err != nil {
		return actuators.Permanent(name, "update_secret", err)
	}
	key, resp, err := a.client.Actions.GetRepoPublicKey(ctx, owner, repo)
	if err != nil {
		return failure("update_secret", resp, err)
	}
	sealed, err := seal(key.GetKey(), value)
	if err != nil {
		return actuators.Permanent(name, "update_secret", err)
	}
	resp, err = a.client.Actions.CreateOrUpdateRepoSecret(ctx, owner, repo, &gh.EncryptedSecret{
		Name:           secret,
		KeyID:          key.GetKeyID(),
		EncryptedValue: sealed,
	})
	if err != nil {
		return failure("update_secret", resp, err)
	}
	return nil
}

func seal(publicKey, value string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return "", fmt.Errorf("decoding public key: %w", err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("public key is %d bytes, want 32", len(raw))
	}
	var pk [32]byte
	copy(pk[:], raw)
	out, err := box.SealAnonymous(nil, []byte(value), &pk, crand.Reader)
	if err != nil {
		return "", fmt.Errorf("sealing secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// OpenChangeRequest creates a branch from the base, commits one file and
// opens a pull request. An existing branch is reused.
func (a *Actuator) OpenChangeRequest(ctx context.Context, req actuators.ChangeRequest) (actuators.ChangeRef, error) {
	owner, repo, err := actuators.SplitRepository(req.Repository)
	if err != nil {
		return actuators.ChangeRef{}, actuators.Permanent(name, "open_change_request", err)
	}

	base := req.Base
	if base == "" {
		r, resp, err := a.client.Repositories.Get(ctx, owner, repo)
		if err != nil {
			return actuators.ChangeRef{}, failure("open_change_request", resp, err)
		}
		base = r.GetDefaultBranch()
	}

	baseRef, resp, err := a.client.Git.GetRef(ctx, owner, repo, "refs/heads/"+base)
	if err != nil {
		return actuators.ChangeRef{}, failure("open_change_request", resp, err)
	}
	_, resp, err = a.client.Git.CreateRef(ctx, owner, repo, &gh.Reference{
		Ref:    gh.String("refs/heads/" + req.Branch),
		Object: &gh.GitObject{SHA: baseRef.Object.SHA},
	})
	if err != nil && (resp == nil || resp.StatusCode != http.StatusUnprocessableEntity) {
		return actuators.ChangeRef{}, failure("open_change_request", resp, err)
	}

	_, resp, err = a.client.Repositories.CreateFile(ctx, owner, repo, req.Path, &gh.RepositoryContentFileOptions{
		Message: gh.String(req.Title),
		Content: []byte(req.Content),
		Branch:  gh.String(req.Branch),
	})
	if err != nil {
		return actuators.ChangeRef{}, failure("open_change_request", resp, err)
	}

	pr, resp, err := a.client.PullRequests.Create(ctx, owner, repo, &gh.NewPullRequest{
		Title: gh.String(req.Title),
		Head:  gh.String(req.Branch),
		Base:  gh.String(base),
		Body:  gh.String(req.Body),
		Draft: gh.Bool(req.Draft),
	})
	if err != nil {
		return actuators.ChangeRef{}, failure("open_change_request", resp, err)
	}
	return actuators.ChangeRef{
		Repository: req.Repository,
		Number:     pr.GetNumber(),
		URL:        pr.GetHTMLURL(),
		Branch:     req.Branch,
	}, nil
}

// MergeChangeRequest squash-merges ref.
func (a *Actuator) MergeChangeRequest(ctx context.Context, ref actuators.ChangeRef) error {
	owner, repo, err := actuators.SplitRepository(ref.Repository)
	if err != nil {
		return actuators.Permanent(name, "merge_change_request", err)
	}
	res, resp, err := a.client.PullRequests.Merge(ctx, owner, repo, ref.Number, "", &gh.PullRequestOptions{MergeMethod: "squash"})
	if err != nil {
		return failure("merge_change_request", resp, err)
	}
	if !res.GetMerged() {
		return actuators.Permanent(name, "merge_change_request", fmt.Errorf("not merged: %s", res.GetMessage()))
	}
	return nil
}

// CloseChangeRequest closes ref and deletes its branch.
func (a *Actuator) CloseChangeRequest(ctx context.Context, ref actuators.ChangeRef) error {
	owner, repo, err := actuators.SplitRepository(ref.Repository)
	if err != nil {
		return actuators.Permanent(name, "close_change_request", err)
	}
	_, resp, err := a.client.PullRequests.Edit(ctx, owner, repo, ref.Number, &gh.PullRequest{State: gh.String("closed")})
	if err != nil {
		return failure("close_change_request", resp, err)
	}
	if ref.Branch != "" {
		if resp, err := a.client.Git.DeleteRef(ctx, owner, repo, "heads/"+ref.Branch); err != nil {
			return failure("close_change_request", resp, err)
		}
	}
	return nil
}
