// Package notify delivers human notifications for drafted and escalated
// incidents.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fyrsmithlabs/incidentd/internal/logging"
	"github.com/nats-io/nats.go"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Notifier sends message to channel, mentioning the given handles.
type Notifier interface {
	Notify(ctx context.Context, channel, message string, mentions []string) error
}

// SlackPoster is the subset of *slack.Client used here.
type SlackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Slack posts notifications to Slack channels.
type Slack struct {
	client SlackPoster
}

// NewSlack returns a Slack notifier.
func NewSlack(client SlackPoster) *Slack {
	return &Slack{client: client}
}

func (s *Slack) Notify(ctx context.Context, channel, message string, mentions []string) error {
	text := message
	if m := FormatMentions(mentions); m != "" {
		text = m + " " + message
	}
	_, _, err := s.client.PostMessageContext(ctx, channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionDisableLinkUnfurl(),
	)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", channel, err)
	}
	return nil
}

// FormatMentions renders handles in Slack syntax. User and group ids are
// wrapped; anything else is prefixed with @.
func FormatMentions(mentions []string) string {
	parts := make([]string, 0, len(mentions))
	for _, m := range mentions {
		m = strings.TrimPrefix(strings.TrimSpace(m), "@")
		switch {
		case m == "":
			continue
		case m == "here" || m == "channel":
			parts = append(parts, "<!"+m+">")
		case strings.HasPrefix(m, "U") && strings.ToUpper(m) == m:
			parts = append(parts, "<@"+m+">")
		case strings.HasPrefix(m, "S") && strings.ToUpper(m) == m:
			parts = append(parts, "<!subteam^"+m+">")
		default:
			parts = append(parts, "@"+m)
		}
	}
	return strings.Join(parts, " ")
}

// Message is the payload published on the event bus.
type Message struct {
	Channel  string    `json:"channel"`
	Text     string    `json:"text"`
	Mentions []string  `json:"mentions,omitempty"`
	SentAt   time.Time `json:"sent_at"`
}

// Publisher is the subset of *nats.Conn used here.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// NATS publishes notifications as JSON on <prefix>.<channel>.
type NATS struct {
	pub    Publisher
	prefix string
	now    func() time.Time
}

// NewNATS returns a NATS notifier.
func NewNATS(pub Publisher, prefix string) *NATS {
	if prefix == "" {
		prefix = "incidentd.notifications"
	}
	return &NATS{pub: pub, prefix: strings.TrimSuffix(prefix, "."), now: time.Now}
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("incidentd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return nc, nil
}

var subjectUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Subject returns the subject a channel publishes on.
func (n *NATS) Subject(channel string) string {
	token := subjectUnsafe.ReplaceAllString(strings.TrimPrefix(channel, "#"), "_")
	if token == "" {
		token = "default"
	}
	return n.prefix + "." + token
}

func (n *NATS) Notify(_ context.Context, channel, message string, mentions []string) error {
	data, err := json.Marshal(Message{Channel: channel, Text: message, Mentions: mentions, SentAt: n.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := n.pub.Publish(n.Subject(channel), data); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Log writes notifications to the structured log. It is used when no
// delivery channel is configured.
type Log struct {
	logger *logging.Logger
}

// NewLog returns a Log notifier.
func NewLog(logger *logging.Logger) *Log {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(ctx context.Context, channel, message string, mentions []string) error {
	l.logger.Info(ctx, "notification",
		zap.String("channel", channel),
		zap.String("message", message),
		zap.Strings("mentions", mentions))
	return nil
}

// Multi fans a notification out to every notifier.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, channel, message string, mentions []string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, channel, message, mentions); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
