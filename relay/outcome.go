package relay

import "encoding/json"

// Status values a dispatch can resolve to. Every call returns exactly one of
// these; the dispatcher never lets a raw error escape.
const (
	StatusOK               = "ok"
	StatusAuthRequired     = "auth_required"
	StatusRecaptchaNeeded  = "recaptcha_required"
	StatusRecaptchaInvalid = "recaptcha_invalid"
	StatusUpstreamError    = "upstream_error"
	StatusNetworkError     = "network_error"
)

// ErrorKind refines the status for callers that map failures onto user-facing
// remediation (re-authenticate, re-verify, try later) without string parsing.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindNoCredential      ErrorKind = "NoCredential"
	KindAuthRejected      ErrorKind = "AuthRejected"
	KindRecaptchaRequired ErrorKind = "RecaptchaRequired"
	KindRecaptchaInvalid  ErrorKind = "RecaptchaInvalid"
	KindUpstreamError     ErrorKind = "UpstreamError"
	KindMalformedResponse ErrorKind = "MalformedUpstreamResponse"
	KindNetworkError      ErrorKind = "NetworkError"
)

// Outcome is the typed result of one dispatch attempt.
type Outcome struct {
	Status     string          `json:"status"`
	HTTPStatus int             `json:"httpStatus,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
	Kind       ErrorKind       `json:"kind,omitempty"`
	Detail     string          `json:"detail,omitempty"`

	// Token that authorized the call, echoed back so callers can persist the
	// pair that actually worked.
	UsedToken string `json:"-"`
}

// OK reports whether the upstream accepted the call.
func (o *Outcome) OK() bool { return o.Status == StatusOK }
