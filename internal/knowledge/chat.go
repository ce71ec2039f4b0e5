package knowledge

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/incidentd/internal/incident"
	"github.com/slack-go/slack"
)

// SlackSearcher is the subset of *slack.Client the chat source needs.
type SlackSearcher interface {
	SearchMessagesContext(ctx context.Context, query string, params slack.SearchParameters) (*slack.SearchMessages, error)
	GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
}

var solutionIndicators = []string{"fixed", "resolved", "solution", "solved", "worked"}

var keywordPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(deployment|pod|service|ingress|configmap|secret)\b`),
	regexp.MustCompile(`\b(timeout|failed|error|exception|oomkilled|crashloopbackoff)\b`),
	regexp.MustCompile(`\b(k8s|kubernetes|docker|image)\b`),
	regexp.MustCompile(`\b(github|actions|workflow|pipeline)\b`),
	regexp.MustCompile(`\b(argocd|helm|kustomize)\b`),
}

// ChatConfig configures ChatSource.
type ChatConfig struct {
	Channels   []string
	WindowDays int
	MaxResults int
	Floor      float64
}

// DefaultChatConfig returns the standard channel set and window.
func DefaultChatConfig() ChatConfig {
	return ChatConfig{
		Channels:   []string{"devops", "alerts", "incidents"},
		WindowDays: 180,
		MaxResults: 20,
		Floor:      0.6,
	}
}

// ChatSource finds fixes that humans already posted in chat threads.
type ChatSource struct {
	api SlackSearcher
	cfg ChatConfig
	now func() time.Time
}

// NewChatSource wraps a Slack client.
func NewChatSource(api SlackSearcher, cfg ChatConfig) *ChatSource {
	def := DefaultChatConfig()
	if len(cfg.Channels) == 0 {
		cfg.Channels = def.Channels
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = def.WindowDays
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = def.MaxResults
	}
	return &ChatSource{api: api, cfg: cfg, now: time.Now}
}

func (s *ChatSource) Kind() incident.SourceKind { return incident.SourceChat }

// Keywords extracts the search terms for ev: the category, the words of
// the subcategory and recognizable infrastructure terms from the log
// excerpt.
func Keywords(ev incident.FailureEvent) []string {
	seen := map[string]struct{}{}
	add := func(k string) {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" && k != "unknown" {
			seen[k] = struct{}{}
		}
	}
	add(ev.Category)
	for _, part := range strings.Split(ev.Subcategory, "_") {
		add(part)
	}
	text := strings.ToLower(ev.RawLogExcerpt)
	for _, re := range keywordPatterns {
		for _, m := range re.FindAllString(text, -1) {
			add(m)
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *ChatSource) query(keywords []string) string {
	quoted := make([]string, len(keywords))
	for i, k := range keywords {
		quoted[i] = strconv.Quote(k)
	}
	channels := make([]string, len(s.cfg.Channels))
	for i, c := range s.cfg.Channels {
		channels[i] = "in:#" + strings.TrimPrefix(c, "#")
	}
	after := s.now().AddDate(0, 0, -s.cfg.WindowDays).Format("2006-01-02")
	return fmt.Sprintf("(%s) (%s) %s after:%s",
		strings.Join(quoted, " OR "),
		strings.Join(solutionIndicators, " OR "),
		strings.Join(channels, " "),
		after)
}

// Search returns at most one candidate: the best-matching thread that
// contains a solution indicator and clears the relevance floor.
func (s *ChatSource) Search(ctx context.Context, ev incident.FailureEvent) ([]incident.Candidate, error) {
	keywords := Keywords(ev)
	if len(keywords) == 0 {
		return nil, nil
	}

	params := slack.NewSearchParameters()
	params.Count = s.cfg.MaxResults
	params.Sort = "timestamp"
	res, err := s.api.SearchMessagesContext(ctx, s.query(keywords), params)
	if err != nil {
		return nil, fmt.Errorf("slack search: %w", err)
	}

	cutoff := s.now().AddDate(0, 0, -s.cfg.WindowDays)
	var best *incident.Candidate
	for _, m := range res.Matches {
		at := parseSlackTS(m.Timestamp)
		if !at.IsZero() && at.Before(cutoff) {
			continue
		}

		replies, _, _, err := s.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
			ChannelID: m.Channel.ID,
			Timestamp: m.Timestamp,
			Limit:     50,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			replies = nil
		}

		fix, ok := solutionText(m.Text, replies)
		if !ok {
			continue
		}
		score := overlap(keywords, threadText(m.Text, replies))
		if score < s.cfg.Floor {
			continue
		}
		if best != nil && (score < best.RawScore || (score == best.RawScore && !at.After(best.ReferenceTime))) {
			continue
		}
		best = &incident.Candidate{
			Source:         incident.SourceChat,
			RawScore:       score,
			FixDescription: fix,
			Reference:      m.Permalink,
			ReferenceTime:  at,
			Metadata: map[string]string{
				"reactions": strconv.Itoa(reactionCount(replies)),
				"channel":   m.Channel.Name,
				"replies":   strconv.Itoa(len(replies)),
			},
		}
	}
	if best == nil {
		return nil, nil
	}
	return []incident.Candidate{*best}, nil
}

// solutionText prefers the first reply carrying a solution indicator and
// falls back to the root message.
func solutionText(root string, replies []slack.Message) (string, bool) {
	for _, r := range replies {
		if r.Text != root && hasIndicator(r.Text) {
			return r.Text, true
		}
	}
	if hasIndicator(root) {
		return root, true
	}
	return "", false
}

func hasIndicator(text string) bool {
	lower := strings.ToLower(text)
	for _, ind := range solutionIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

func threadText(root string, replies []slack.Message) string {
	var b strings.Builder
	b.WriteString(root)
	for _, r := range replies {
		b.WriteByte('\n')
		b.WriteString(r.Text)
	}
	return strings.ToLower(b.String())
}

func overlap(keywords []string, text string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	hits := 0
	for _, k := range keywords {
		if strings.Contains(text, k) {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords))
}

func reactionCount(msgs []slack.Message) int {
	n := 0
	for _, m := range msgs {
		for _, r := range m.Reactions {
			n += r.Count
		}
	}
	return n
}

func parseSlackTS(ts string) time.Time {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil || f <= 0 {
		return time.Time{}
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
}
