package types

// SuccessEnvelope wraps every 2xx body. Warning is set when the call succeeded
// but a follow-up step did not, e.g. a partial stock restoration.
type SuccessEnvelope struct {
	Data    any       `json:"data"`
	Warning *APIError `json:"warning,omitempty"`
}

// APIError is the client-facing view of a pkg/errors code. Retryable tells the
// caller whether the same request may succeed later without changes.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Details   any    `json:"details,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}
