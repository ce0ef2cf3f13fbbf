package request

// Outcome feeds the dispatch state machine: success latches the attempt,
// transient failures stay inside the retry budget, permanent failures
// exhaust it immediately.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

var transientStatuses = map[int]struct{}{
	408: {}, 425: {}, 429: {}, 500: {}, 502: {}, 503: {}, 504: {},
}

// Classify maps an HTTP result to an outcome. A non-nil err means the call
// never produced a status (network error or timeout) and is transient.
func Classify(statusCode int, err error) Outcome {
	if err != nil {
		return OutcomeTransient
	}
	if statusCode >= 200 && statusCode < 300 {
		return OutcomeSuccess
	}
	if _, ok := transientStatuses[statusCode]; ok {
		return OutcomeTransient
	}
	return OutcomePermanent
}
