package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fyrsmithlabs/incidentd/internal/incident"
	"github.com/fyrsmithlabs/incidentd/internal/logging"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)
	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestNATS_Publishes(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("incidentd.notifications.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	n := NewNATS(nc, "incidentd.notifications.")
	n.now = func() time.Time { return time.Date(2025, 2, 2, 0, 0, 0, 0, time.UTC) }
	require.NoError(t, n.Notify(context.Background(), "#incident-review", "look at this", []string{"oncall"}))
	require.NoError(t, nc.Flush())

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "incidentd.notifications.incident-review", msg.Subject)

	var got Message
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "#incident-review", got.Channel)
	assert.Equal(t, "look at this", got.Text)
	assert.Equal(t, []string{"oncall"}, got.Mentions)
	assert.Equal(t, time.Date(2025, 2, 2, 0, 0, 0, 0, time.UTC), got.SentAt)
}

func TestNATS_Subject(t *testing.T) {
	n := NewNATS(nil, "")
	assert.Equal(t, "incidentd.notifications.ops_alerts", n.Subject("#ops alerts"))
	assert.Equal(t, "incidentd.notifications.default", n.Subject("#"))
}

func TestSlack_PostsWithMentions(t *testing.T) {
	var form map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1700000000.000100"}`))
	}))
	defer srv.Close()

	client := slack.New("xoxb-test", slack.OptionAPIURL(srv.URL+"/"))
	s := NewSlack(client)
	require.NoError(t, s.Notify(context.Background(), "#incident-escalations", "payments is down", []string{"U123ABC", "@here", "sre"}))

	assert.Equal(t, []string{"#incident-escalations"}, form["channel"])
	assert.Equal(t, []string{"<@U123ABC> <!here> @sre payments is down"}, form["text"])
}

func TestSlack_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()

	s := NewSlack(slack.New("xoxb-test", slack.OptionAPIURL(srv.URL+"/")))
	err := s.Notify(context.Background(), "#nope", "hi", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel_not_found")
}

func TestFormatMentions(t *testing.T) {
	assert.Equal(t, "", FormatMentions(nil))
	assert.Equal(t, "<!subteam^S0SRE> <!channel> @alice", FormatMentions([]string{"S0SRE", "channel", " @alice ", ""}))
}

type failing struct{ err error }

func (f failing) Notify(context.Context, string, string, []string) error { return f.err }

func TestMulti(t *testing.T) {
	logger := logging.NewTestLogger()
	boom := errors.New("boom")
	m := Multi{failing{boom}, NewLog(logger.Logger)}

	err := m.Notify(context.Background(), "#x", "hello", nil)
	assert.ErrorIs(t, err, boom)
	logger.AssertLogged(t, zapcore.InfoLevel, "notification")

	assert.NoError(t, Multi{NewLog(nil)}.Notify(context.Background(), "#x", "hello", nil))
}

func TestCompose(t *testing.T) {
	r := Routing{DraftChannel: "#review", EscalateChannel: "#esc", Mentions: []string{"oncall"}}
	ev := incident.FailureEvent{IncidentID: "gh-1-attempt-1", Platform: incident.PlatformGitHub, Category: "config", Subcategory: "syntax_error", Resource: "ci.yml", Environment: incident.EnvProd}
	cand := &incident.Candidate{Source: incident.SourceChat, FixDescription: "fix the indentation"}

	t.Run("draft", func(t *testing.T) {
		d := incident.Decision{Action: incident.ActionDraft, Confidence: 0.9, ThresholdUsed: 0.92, Candidate: cand}
		ch, msg, mentions, ok := r.Compose(ev, d, incident.ExecutionResult{Status: incident.ExecSucceeded, Draft: true, ChangeRef: "https://gh/pull/4"})
		require.True(t, ok)
		assert.Equal(t, "#review", ch)
		assert.Contains(t, msg, "fix the indentation")
		assert.Contains(t, msg, "https://gh/pull/4")
		assert.Empty(t, mentions)
	})

	t.Run("applied is silent", func(t *testing.T) {
		d := incident.Decision{Action: incident.ActionAutoFix, Candidate: cand}
		_, _, _, ok := r.Compose(ev, d, incident.ExecutionResult{Status: incident.ExecSucceeded})
		assert.False(t, ok)
	})

	t.Run("escalation states why", func(t *testing.T) {
		d := incident.Decision{Action: incident.ActionEscalate, Reason: incident.ReasonNoCandidate}
		ch, msg, mentions, ok := r.Compose(ev, d, incident.ExecutionResult{Status: incident.ExecEscalated, Reason: incident.ReasonNoCandidate})
		require.True(t, ok)
		assert.Equal(t, "#esc", ch)
		assert.Contains(t, msg, "no candidate found")
		assert.Equal(t, []string{"oncall"}, mentions)
	})

	t.Run("failed execution", func(t *testing.T) {
		d := incident.Decision{Action: incident.ActionAutoFix, Confidence: 0.95, Candidate: cand}
		_, msg, _, ok := r.Compose(ev, d, incident.ExecutionResult{Status: incident.ExecFailed, Reason: incident.ReasonExecutionFailed, RolledBack: true})
		require.True(t, ok)
		assert.Contains(t, msg, "remediation failed after retries")
		assert.Contains(t, msg, "rolled back")
	})
}
