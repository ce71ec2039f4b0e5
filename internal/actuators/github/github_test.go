package github

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/incidentd/internal/actuators"
	"github.com/fyrsmithlabs/incidentd/internal/incident"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
	body  map[string]map[string]any
}

func (r *recorder) record(req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := req.Method + " " + req.URL.Path
	r.calls = append(r.calls, key)
	raw, _ := io.ReadAll(req.Body)
	req.Body = io.NopCloser(bytes.NewReader(raw))
	var m map[string]any
	if json.Unmarshal(raw, &m) == nil {
		if r.body == nil {
			r.body = map[string]map[string]any{}
		}
		r.body[key] = m
	}
}

func setup(t *testing.T, mux *http.ServeMux) (*Actuator, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	a, err := New(context.Background(), "token", srv.URL)
	require.NoError(t, err)
	return a, rec
}

func ghEvent() incident.FailureEvent {
	return incident.FailureEvent{Repository: "acme/api", Attributes: map[string]string{"run_id": "42"}}
}

func TestRetriggerWorkflow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api/actions/runs/42/rerun-failed-jobs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
	})
	a, rec := setup(t, mux)

	require.NoError(t, a.RetriggerWorkflow(context.Background(), ghEvent()))
	assert.Equal(t, []string{"POST /repos/acme/api/actions/runs/42/rerun-failed-jobs"}, rec.calls)
}

func TestRetriggerWorkflow_Classification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusNotFound, false},
		{http.StatusUnprocessableEntity, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/repos/acme/api/actions/runs/42/rerun-failed-jobs", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"message":"nope"}`))
			})
			a, _ := setup(t, mux)

			err := a.RetriggerWorkflow(context.Background(), ghEvent())
			var af *incident.ActuatorFailure
			require.ErrorAs(t, err, &af)
			assert.Equal(t, tt.transient, af.Transient)
			assert.Equal(t, "github", af.Actuator)
		})
	}
}

func TestRetriggerWorkflow_MissingRunID(t *testing.T) {
	a, _ := setup(t, http.NewServeMux())
	ev := ghEvent()
	delete(ev.Attributes, "run_id")
	var af *incident.ActuatorFailure
	require.ErrorAs(t, a.RetriggerWorkflow(context.Background(), ev), &af)
	assert.False(t, af.Transient)
}

func TestUpdateSecret(t *testing.T) {
	pub, priv, err := box.GenerateKey(crand.Reader)
	require.NoError(t, err)

	var sealed string
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api/actions/secrets/public-key", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, `{"key_id":"k1","key":%q}`, base64.StdEncoding.EncodeToString(pub[:]))
	})
	mux.HandleFunc("/repos/acme/api/actions/secrets/NPM_TOKEN", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			KeyID          string `json:"key_id"`
			EncryptedValue string `json:"encrypted_value"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "k1", body.KeyID)
		sealed = body.EncryptedValue
		w.WriteHeader(http.StatusCreated)
	})
	a, _ := setup(t, mux)

	require.NoError(t, a.UpdateSecret(context.Background(), "acme/api", "NPM_TOKEN", "fresh-value"))

	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	plain, ok := box.OpenAnonymous(nil, raw, pub, priv)
	require.True(t, ok)
	assert.Equal(t, "fresh-value", string(plain))
}

func TestChangeRequestLifecycle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"default_branch":"main"}`))
	})
	mux.HandleFunc("/repos/acme/api/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ref":"refs/heads/main","object":{"sha":"abc123","type":"commit"}}`))
	})
	mux.HandleFunc("/repos/acme/api/git/refs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ref":"refs/heads/incidentd/inc-1"}`))
	})
	mux.HandleFunc("/repos/acme/api/contents/.incidentd/remediations/inc-1.md", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/repos/acme/api/pulls", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number":7,"html_url":"https://github.test/acme/api/pull/7"}`))
	})
	mux.HandleFunc("/repos/acme/api/pulls/7/merge", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"merged":true,"sha":"def"}`))
	})
	mux.HandleFunc("/repos/acme/api/pulls/7", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"number":7,"state":"closed"}`))
	})
	mux.HandleFunc("/repos/acme/api/git/refs/heads/incidentd/inc-1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	a, rec := setup(t, mux)
	ctx := context.Background()

	ref, err := a.OpenChangeRequest(ctx, actuators.ChangeRequest{
		Repository: "acme/api",
		Branch:     "incidentd/inc-1",
		Title:      "Fix workflow syntax",
		Body:       "body",
		Path:       ".incidentd/remediations/inc-1.md",
		Content:    "content",
		Draft:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, 7, ref.Number)
	assert.Equal(t, "https://github.test/acme/api/pull/7", ref.String())

	pr := rec.body["POST /repos/acme/api/pulls"]
	assert.Equal(t, true, pr["draft"])
	assert.Equal(t, "main", pr["base"])
	assert.Equal(t, "incidentd/inc-1", pr["head"])

	require.NoError(t, a.MergeChangeRequest(ctx, ref))
	require.NoError(t, a.CloseChangeRequest(ctx, ref))
	assert.Contains(t, rec.calls, "DELETE /repos/acme/api/git/refs/heads/incidentd/inc-1")
	assert.Contains(t, rec.calls, "PATCH /repos/acme/api/pulls/7")
}

func TestMergeChangeRequest_NotMerged(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api/pulls/3/merge", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"merged":false,"message":"checks pending"}`))
	})
	a, _ := setup(t, mux)
	err := a.MergeChangeRequest(context.Background(), actuators.ChangeRef{Repository: "acme/api", Number: 3})
	assert.ErrorContains(t, err, "checks pending")
}
