package knowledge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/incidentd/internal/incident"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSlack struct {
	matches   []slack.SearchMessage
	replies   map[string][]slack.Message
	searchErr error
	query     string
}

func (f *fakeSlack) SearchMessagesContext(_ context.Context, query string, _ slack.SearchParameters) (*slack.SearchMessages, error) {
	f.query = query
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return &slack.SearchMessages{Matches: f.matches}, nil
}

func (f *fakeSlack) GetConversationRepliesContext(_ context.Context, p *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error) {
	return f.replies[p.Timestamp], false, "", nil
}

func msg(text string, reactions int) slack.Message {
	m := slack.Message{}
	m.Text = text
	if reactions > 0 {
		m.Reactions = []slack.ItemReaction{{Name: "+1", Count: reactions}}
	}
	return m
}

var chatNow = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func newTestChat(api SlackSearcher) *ChatSource {
	s := NewChatSource(api, ChatConfig{Floor: 0.6})
	s.now = func() time.Time { return chatNow }
	return s
}

func chatEvent() incident.FailureEvent {
	return incident.FailureEvent{
		Category:      "dependency",
		Subcategory:   "network_timeout",
		RawLogExcerpt: "npm ERR! network timeout while fetching registry, workflow failed",
	}
}

func TestKeywords(t *testing.T) {
	assert.Equal(t, []string{"dependency", "failed", "network", "timeout", "workflow"}, Keywords(chatEvent()))
	assert.Empty(t, Keywords(incident.FailureEvent{Category: "unknown"}))
}

func TestChatSource_PicksBestSolvedThread(t *testing.T) {
	recent := "1745000000.000100" // 2025-04-18
	older := "1740000000.000200"
	api := &fakeSlack{
		matches: []slack.SearchMessage{
			{Timestamp: "1700000001.000000", Text: "workflow failed again", Channel: slack.CtxChannel{ID: "C1", Name: "devops"}},
			{Timestamp: older, Text: "network timeout in workflow, dependency mirror down", Permalink: "https://x/older", Channel: slack.CtxChannel{ID: "C1", Name: "devops"}},
			{Timestamp: recent, Text: "dependency network timeout failed the workflow", Permalink: "https://x/recent", Channel: slack.CtxChannel{ID: "C2", Name: "incidents"}},
		},
		replies: map[string][]slack.Message{
			older:  {msg("network timeout in workflow, dependency mirror down", 0), msg("fixed by pinning the registry mirror", 2)},
			recent: {msg("dependency network timeout failed the workflow", 4), msg("resolved: bumped npm fetch-timeout to 120s", 3)},
		},
	}

	cands, err := newTestChat(api).Search(context.Background(), chatEvent())
	require.NoError(t, err)
	require.Len(t, cands, 1)

	c := cands[0]
	assert.Equal(t, incident.SourceChat, c.Source)
	assert.InDelta(t, 1.0, c.RawScore, 1e-9)
	assert.Equal(t, "resolved: bumped npm fetch-timeout to 120s", c.FixDescription)
	assert.Equal(t, "https://x/recent", c.Reference)
	assert.Equal(t, "7", c.Metadata["reactions"])
	assert.Equal(t, int64(1745000000), c.ReferenceTime.Unix())

	assert.Contains(t, api.query, `"timeout"`)
	assert.Contains(t, api.query, "in:#devops")
	assert.True(t, strings.Contains(api.query, "after:2024-12-03"), api.query)
}

func TestChatSource_RequiresIndicatorAndFloor(t *testing.T) {
	ts := "1745000000.000100"
	api := &fakeSlack{
		matches: []slack.SearchMessage{
			{Timestamp: ts, Text: "workflow fixed", Channel: slack.CtxChannel{ID: "C1"}},
		},
	}
	cands, err := newTestChat(api).Search(context.Background(), chatEvent())
	require.NoError(t, err)
	assert.Empty(t, cands, "one of five keywords is below the floor")

	api.matches[0].Text = "dependency network timeout failed the workflow"
	cands, err = newTestChat(api).Search(context.Background(), chatEvent())
	require.NoError(t, err)
	assert.Empty(t, cands, "no solution indicator")
}

func TestChatSource_SearchError(t *testing.T) {
	_, err := newTestChat(&fakeSlack{searchErr: errors.New("ratelimited")}).Search(context.Background(), chatEvent())
	assert.Error(t, err)
}

func TestParseSlackTS(t *testing.T) {
	assert.Equal(t, int64(1745000000), parseSlackTS("1745000000.000100").Unix())
	assert.True(t, parseSlackTS("bogus").IsZero())
}
