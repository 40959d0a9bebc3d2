package httpnode

// Status is the state an endpoint reports about itself.
type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"

	// StatusUnknown means the response could not be interpreted.
	StatusUnknown Status = "unknown"
)

func (s Status) String() string {
	return string(s)
}

// StatusExtractor reads a [Status] from a response. Extractors run inside
// the fetch, so a panicking extractor is recovered and recorded as a failed
// check.
type StatusExtractor func(body []byte, statusCode int) Status
