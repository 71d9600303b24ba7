package timeline

type Phase string

const (
	PhaseInitial Phase = "initial"
	PhaseLoading Phase = "loading"
	PhaseIdle    Phase = "idle"
	PhaseNoMore  Phase = "no_more"
	PhaseFail    Phase = "fail"
)

// FetchState is the lifecycle state of one timeline. Direction is set while
// Loading and in Fail (the direction that failed). Resume is the settled
// phase a Loading or Fail state returns to when a page is rejected.
type FetchState struct {
	Phase     Phase     `json:"phase"`
	Direction Direction `json:"direction,omitempty"`
	Err       error     `json:"-"`
	Resume    Phase     `json:"resume,omitempty"`
}

func InitialState() FetchState {
	return FetchState{Phase: PhaseInitial}
}

func (s FetchState) Loading(direction Direction) bool {
	return s.Phase == PhaseLoading && s.Direction == direction
}

type EventKind string

const (
	EventStart     EventKind = "start"
	EventRetry     EventKind = "retry"
	EventSucceeded EventKind = "succeeded"
	EventFailed    EventKind = "failed"
	EventRejected  EventKind = "rejected"
)

// Event drives Transition. Direction is required for EventStart and is
// checked against the loading direction for outcome events.
type Event struct {
	Kind            EventKind
	Direction       Direction
	ReachedBoundary bool
	Err             error
}

type EffectKind string

const (
	EffectNone EffectKind = ""
	// EffectFetch starts a fetch-merge cycle in Effect.Direction.
	EffectFetch EffectKind = "fetch"
	// EffectCancelAndFetch cancels the in-flight cycle before starting a
	// new one.
	EffectCancelAndFetch EffectKind = "cancel_and_fetch"
)

type Effect struct {
	Kind      EffectKind
	Direction Direction
}

// Transition is the pure state function of the fetch lifecycle. Events that
// do not apply to the current state leave it unchanged with EffectNone;
// callers treat that as a dropped intent.
func Transition(state FetchState, event Event) (FetchState, Effect) {
	if state.Phase == "" {
		state = InitialState()
	}
	switch event.Kind {
	case EventStart:
		return transitionStart(state, event.Direction)
	case EventRetry:
		if state.Phase != PhaseFail || !state.Direction.Valid() {
			return state, Effect{}
		}
		return loading(state.Direction, state.Resume), Effect{Kind: EffectFetch, Direction: state.Direction}
	case EventSucceeded:
		if !state.Loading(event.Direction) {
			return state, Effect{}
		}
		if event.Direction == DirectionLoadOlder && event.ReachedBoundary {
			return FetchState{Phase: PhaseNoMore}, Effect{}
		}
		return FetchState{Phase: PhaseIdle}, Effect{}
	case EventFailed:
		if !state.Loading(event.Direction) {
			return state, Effect{}
		}
		return FetchState{Phase: PhaseFail, Direction: event.Direction, Err: event.Err, Resume: state.Resume}, Effect{}
	case EventRejected:
		if !state.Loading(event.Direction) {
			return state, Effect{}
		}
		// The cursor moved underneath the request, so content exists even
		// when the timeline had never settled before.
		phase := settled(state.Resume)
		if phase == PhaseInitial {
			phase = PhaseIdle
		}
		return FetchState{Phase: phase}, Effect{}
	}
	return state, Effect{}
}

func transitionStart(state FetchState, direction Direction) (FetchState, Effect) {
	switch direction {
	case DirectionRefresh:
		switch state.Phase {
		case PhaseLoading:
			if state.Direction == DirectionLoadOlder {
				return loading(DirectionRefresh, state.Resume), Effect{Kind: EffectCancelAndFetch, Direction: DirectionRefresh}
			}
			return state, Effect{}
		case PhaseFail:
			return loading(DirectionRefresh, state.Resume), Effect{Kind: EffectFetch, Direction: DirectionRefresh}
		default:
			return loading(DirectionRefresh, state.Phase), Effect{Kind: EffectFetch, Direction: DirectionRefresh}
		}
	case DirectionLoadOlder:
		switch state.Phase {
		case PhaseInitial, PhaseIdle:
			return loading(DirectionLoadOlder, state.Phase), Effect{Kind: EffectFetch, Direction: DirectionLoadOlder}
		}
	}
	return state, Effect{}
}

func loading(direction Direction, resume Phase) FetchState {
	return FetchState{Phase: PhaseLoading, Direction: direction, Resume: settled(resume)}
}

func settled(phase Phase) Phase {
	switch phase {
	case PhaseIdle, PhaseNoMore:
		return phase
	}
	return PhaseInitial
}
