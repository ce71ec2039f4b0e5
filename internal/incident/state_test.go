package incident

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tr(id string, s State) Transition {
	return Transition{IncidentID: id, State: s, At: time.Unix(0, 0)}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateNone, StateDetected, true},
		{StateNone, StateSearching, false},
		{StateDetected, StateSearching, true},
		{StateSearching, StateDecided, true},
		{StateDecided, StateExecuting, true},
		{StateDecided, StateEscalated, true},
		{StateDecided, StateSucceeded, false},
		{StateExecuting, StateSucceeded, true},
		{StateExecuting, StateEscalated, true},
		{StateDetected, StateFailed, true},
		{StateSearching, StateFailed, true},
		{StateSucceeded, StateFailed, false},
		{StateEscalated, StateExecuting, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%q -> %q", tt.from, tt.to)
	}
}

func TestValidate(t *testing.T) {
	history := []Transition{tr("i", StateDetected), tr("i", StateSearching)}

	dup, err := Validate(history, tr("i", StateDetected))
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = Validate(history, tr("i", StateDecided))
	require.NoError(t, err)
	assert.False(t, dup)

	_, err = Validate(history, tr("i", StateExecuting))
	var ite *InvalidTransitionError
	require.True(t, errors.As(err, &ite))
	assert.Equal(t, StateSearching, ite.From)
	assert.Equal(t, StateExecuting, ite.To)
}

func TestProject(t *testing.T) {
	assert.Nil(t, Project(nil))

	ev := &FailureEvent{IncidentID: "i", Category: "config"}
	dec := &Decision{IncidentID: "i", Action: ActionEscalate, Reason: ReasonNoCandidate}
	history := []Transition{
		{IncidentID: "i", State: StateDetected, At: time.Unix(10, 0), Event: ev},
		{IncidentID: "i", State: StateSearching, At: time.Unix(11, 0)},
		{IncidentID: "i", State: StateDecided, At: time.Unix(12, 0), Decision: dec, Search: &SearchSummary{}},
		{IncidentID: "i", State: StateEscalated, At: time.Unix(13, 0), Reason: ReasonNoCandidate},
	}

	inc := Project(history)
	require.NotNil(t, inc)
	assert.Equal(t, StateEscalated, inc.State)
	assert.Same(t, ev, inc.Event)
	assert.Same(t, dec, inc.Decision)
	assert.Equal(t, ReasonNoCandidate, inc.Reason)
	assert.Equal(t, time.Unix(10, 0), inc.CreatedAt)
	assert.Equal(t, time.Unix(13, 0), inc.UpdatedAt)
	assert.Len(t, inc.Transitions, 4)
	assert.Equal(t, 0, inc.PriorAttempts())
}

func TestParsePlatform(t *testing.T) {
	for in, want := range map[string]Platform{
		"github": PlatformGitHub, "GH": PlatformGitHub,
		"argocd": PlatformArgoCD, "k8s": PlatformKubernetes,
	} {
		got, err := ParsePlatform(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParsePlatform("jenkins")
	assert.Error(t, err)
}

func TestSearchSummary_AllUnavailable(t *testing.T) {
	assert.False(t, SearchSummary{}.AllUnavailable())
	s := SearchSummary{
		Consulted:   []SourceKind{SourceChat, SourceGenerative},
		Unavailable: []SourceKind{SourceChat, SourceGenerative},
	}
	assert.True(t, s.AllUnavailable())
	s.Unavailable = s.Unavailable[:1]
	assert.False(t, s.AllUnavailable())
}

func TestFailureEvent_Signature(t *testing.T) {
	e := FailureEvent{Category: "config", Subcategory: "syntax_error", RawLogExcerpt: "bad yaml"}
	assert.Equal(t, "config/syntax_error\nbad yaml", e.Signature())
	e.Subcategory = ""
	assert.Equal(t, "config", e.CategoryTag())
}

func TestAttempt_Lifecycle(t *testing.T) {
	at := time.Unix(100, 0)
	a := NewAttempt("retrigger", 1, at)
	assert.Equal(t, AttemptPending, a.State)
	assert.False(t, a.Finish(at, nil), "PENDING cannot finish")

	require.True(t, a.Start(at.Add(time.Second)))
	assert.Equal(t, AttemptInProgress, a.State)
	assert.False(t, a.Start(at), "IN_PROGRESS cannot restart")

	require.True(t, a.Finish(at.Add(2*time.Second), errors.New("boom")))
	assert.Equal(t, AttemptFailed, a.State)
	assert.Equal(t, "boom", a.Error)
	assert.False(t, a.Start(at), "FAILED attempts are not reused")

	ok := NewAttempt("retrigger", 2, at)
	ok.Start(at)
	require.True(t, ok.Finish(at, nil))
	assert.Equal(t, AttemptSucceeded, ok.State)
	assert.Empty(t, ok.Error)
}
