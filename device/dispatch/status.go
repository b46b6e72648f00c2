package dispatch

// Status is the lifecycle state of a command request.
//
//	Pending ──► InFlight ──► Acked
//	   │            │
//	   │            ├──► Retry ──► InFlight ...
//	   │            │      │
//	   │            │      └──► Canceled
//	   │            └──► Exhausted
//	   └──► Canceled
type Status int

const (
	StatusPending Status = iota
	StatusInFlight
	StatusRetry
	StatusAcked
	StatusExhausted
	StatusCanceled
)

var transitions = map[Status][]Status{
	StatusPending:  {StatusInFlight, StatusCanceled},
	StatusInFlight: {StatusAcked, StatusRetry, StatusExhausted},
	StatusRetry:    {StatusInFlight, StatusCanceled},
}

// CanTransition reports whether the request lifecycle permits moving from s
// to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusAcked || s == StatusExhausted || s == StatusCanceled
}

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in_flight"
	case StatusRetry:
		return "retry"
	case StatusAcked:
		return "acked"
	case StatusExhausted:
		return "exhausted"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}
