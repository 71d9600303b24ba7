package timeline

import (
	"errors"
	"testing"
)

func TestTransitionTable(t *testing.T) {
	boom := errors.New("boom")
	idle := FetchState{Phase: PhaseIdle}
	noMore := FetchState{Phase: PhaseNoMore}
	loadingOlder := FetchState{Phase: PhaseLoading, Direction: DirectionLoadOlder, Resume: PhaseIdle}
	loadingRefresh := FetchState{Phase: PhaseLoading, Direction: DirectionRefresh, Resume: PhaseNoMore}
	failedOlder := FetchState{Phase: PhaseFail, Direction: DirectionLoadOlder, Err: boom, Resume: PhaseIdle}

	cases := []struct {
		name   string
		state  FetchState
		event  Event
		phase  Phase
		dir    Direction
		effect EffectKind
	}{
		{"initial refresh", InitialState(), Event{Kind: EventStart, Direction: DirectionRefresh}, PhaseLoading, DirectionRefresh, EffectFetch},
		{"initial load older", InitialState(), Event{Kind: EventStart, Direction: DirectionLoadOlder}, PhaseLoading, DirectionLoadOlder, EffectFetch},
		{"idle load older", idle, Event{Kind: EventStart, Direction: DirectionLoadOlder}, PhaseLoading, DirectionLoadOlder, EffectFetch},
		{"no more load older is a no-op", noMore, Event{Kind: EventStart, Direction: DirectionLoadOlder}, PhaseNoMore, "", EffectNone},
		{"no more refresh", noMore, Event{Kind: EventStart, Direction: DirectionRefresh}, PhaseLoading, DirectionRefresh, EffectFetch},
		{"fail refresh", failedOlder, Event{Kind: EventStart, Direction: DirectionRefresh}, PhaseLoading, DirectionRefresh, EffectFetch},
		{"fail load older is dropped", failedOlder, Event{Kind: EventStart, Direction: DirectionLoadOlder}, PhaseFail, DirectionLoadOlder, EffectNone},
		{"fail retry resumes failed direction", failedOlder, Event{Kind: EventRetry}, PhaseLoading, DirectionLoadOlder, EffectFetch},
		{"retry outside fail is dropped", idle, Event{Kind: EventRetry}, PhaseIdle, "", EffectNone},
		{"refresh preempts load older", loadingOlder, Event{Kind: EventStart, Direction: DirectionRefresh}, PhaseLoading, DirectionRefresh, EffectCancelAndFetch},
		{"load older during refresh is dropped", loadingRefresh, Event{Kind: EventStart, Direction: DirectionLoadOlder}, PhaseLoading, DirectionRefresh, EffectNone},
		{"duplicate refresh is dropped", loadingRefresh, Event{Kind: EventStart, Direction: DirectionRefresh}, PhaseLoading, DirectionRefresh, EffectNone},
		{"duplicate load older is dropped", loadingOlder, Event{Kind: EventStart, Direction: DirectionLoadOlder}, PhaseLoading, DirectionLoadOlder, EffectNone},
		{"older success", loadingOlder, Event{Kind: EventSucceeded, Direction: DirectionLoadOlder}, PhaseIdle, "", EffectNone},
		{"older success at boundary", loadingOlder, Event{Kind: EventSucceeded, Direction: DirectionLoadOlder, ReachedBoundary: true}, PhaseNoMore, "", EffectNone},
		{"refresh success", loadingRefresh, Event{Kind: EventSucceeded, Direction: DirectionRefresh, ReachedBoundary: true}, PhaseIdle, "", EffectNone},
		{"refresh failure", loadingRefresh, Event{Kind: EventFailed, Direction: DirectionRefresh, Err: boom}, PhaseFail, DirectionRefresh, EffectNone},
		{"rejected page resumes", loadingRefresh, Event{Kind: EventRejected, Direction: DirectionRefresh}, PhaseNoMore, "", EffectNone},
		{"stale outcome ignored", loadingRefresh, Event{Kind: EventSucceeded, Direction: DirectionLoadOlder}, PhaseLoading, DirectionRefresh, EffectNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next, effect := Transition(tc.state, tc.event)
			if next.Phase != tc.phase || next.Direction != tc.dir {
				t.Fatalf("expected %s(%s), got %s(%s)", tc.phase, tc.dir, next.Phase, next.Direction)
			}
			if effect.Kind != tc.effect {
				t.Fatalf("expected effect %q, got %q", tc.effect, effect.Kind)
			}
		})
	}
}

func TestTransitionFailKeepsErrorAndResume(t *testing.T) {
	boom := errors.New("boom")
	state, _ := Transition(FetchState{Phase: PhaseNoMore}, Event{Kind: EventStart, Direction: DirectionRefresh})
	state, _ = Transition(state, Event{Kind: EventFailed, Direction: DirectionRefresh, Err: boom})
	if state.Phase != PhaseFail || !errors.Is(state.Err, boom) {
		t.Fatalf("expected fail with error, got %+v", state)
	}
	if state.Resume != PhaseNoMore {
		t.Fatalf("expected resume no_more, got %q", state.Resume)
	}
	state, effect := Transition(state, Event{Kind: EventRetry})
	if effect.Direction != DirectionRefresh || state.Resume != PhaseNoMore {
		t.Fatalf("expected retry to reuse the failed direction and resume, got %+v %+v", state, effect)
	}
	state, _ = Transition(state, Event{Kind: EventRejected, Direction: DirectionRefresh})
	if state.Phase != PhaseNoMore {
		t.Fatalf("expected rejected retry to return to no_more, got %s", state.Phase)
	}
}

func TestTransitionRefreshAlwaysSettles(t *testing.T) {
	starts := []FetchState{
		InitialState(),
		{Phase: PhaseIdle},
		{Phase: PhaseNoMore},
		{Phase: PhaseFail, Direction: DirectionLoadOlder, Err: errors.New("x")},
		{Phase: PhaseLoading, Direction: DirectionLoadOlder, Resume: PhaseIdle},
		{Phase: PhaseLoading, Direction: DirectionRefresh, Resume: PhaseInitial},
	}
	outcomes := []Event{
		{Kind: EventSucceeded, Direction: DirectionRefresh},
		{Kind: EventFailed, Direction: DirectionRefresh, Err: errors.New("y")},
		{Kind: EventRejected, Direction: DirectionRefresh},
	}
	for _, start := range starts {
		loading, _ := Transition(start, Event{Kind: EventStart, Direction: DirectionRefresh})
		if !loading.Loading(DirectionRefresh) {
			t.Fatalf("expected refresh to be loading from %s, got %+v", start.Phase, loading)
		}
		for _, outcome := range outcomes {
			settledState, _ := Transition(loading, outcome)
			switch settledState.Phase {
			case PhaseIdle, PhaseNoMore, PhaseFail:
			default:
				t.Fatalf("expected a settled phase from %s after %s, got %s", start.Phase, outcome.Kind, settledState.Phase)
			}
		}
	}
}
