package pipeline

import "fmt"

// RouteInput is everything the retry router is allowed to look at.
type RouteInput struct {
	Stage      State
	Verdict    Verdict
	Retries    int
	MaxRetries int
}

// RouteDecision is the router's answer: the next state, how many retry
// credits the transition consumes, and the abort reason when terminal.
type RouteDecision struct {
	Next       State
	RetryDelta int
	Reason     AbortReason
}

// Route decides the next state after a quality-gate stage. It is a pure
// function of its input so every (stage, verdict, budget) pair can be
// enumerated in tests. Only Reviewing and Testing route here; every other
// transition is unconditional and handled by the run directly.
func Route(in RouteInput) (RouteDecision, error) {
	switch in.Stage {
	case StateReviewing:
		if in.Verdict == VerdictPass {
			return RouteDecision{Next: StateTesting}, nil
		}
		return routeFailure(in)
	case StateTesting:
		if in.Verdict == VerdictPass {
			return RouteDecision{Next: StateAwaitingApproval}, nil
		}
		return routeFailure(in)
	default:
		return RouteDecision{}, fmt.Errorf("router: stage %q has no routed outcomes", in.Stage)
	}
}

// routeFailure applies the retry budget: loop back to Coding while credits
// remain, abort with quality_exhausted once the budget is spent.
func routeFailure(in RouteInput) (RouteDecision, error) {
	if in.Retries < 0 || in.MaxRetries < 0 {
		return RouteDecision{}, fmt.Errorf("router: negative retry accounting (retries=%d max=%d)", in.Retries, in.MaxRetries)
	}
	if in.Retries < in.MaxRetries {
		return RouteDecision{Next: StateCoding, RetryDelta: 1}, nil
	}
	return RouteDecision{Next: StateAborted, Reason: ReasonQualityExhausted}, nil
}
