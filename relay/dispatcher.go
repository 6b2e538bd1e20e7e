package relay

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/go-resty/resty/v2"
	lru "github.com/hashicorp/golang-lru"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/singleflight"
)

// RecaptchaPlacement says where the upstream contract wants the verification
// token. The correct placement is an external API detail that changes between
// endpoints, so it is configuration rather than a constant.
type RecaptchaPlacement string

const (
	PlacementBody   RecaptchaPlacement = "body"
	PlacementHeader RecaptchaPlacement = "header"
)

// Status-callback checkpoints, in emission order. CheckpointComplete is
// terminal and fires on every return path, success or not.
const (
	CheckpointResolving   = "resolving credentials"
	CheckpointDispatching = "dispatching"
	CheckpointComplete    = "complete"
)

var recaptchaRejectionMarkers = []string{
	"INVALID_RECAPTCHA",
	"RECAPTCHA_REQUIRED",
	"RECAPTCHA_VALIDATION_FAILED",
}

// DispatcherConfig shapes every outbound call.
type DispatcherConfig struct {
	// ServerURL is the upstream base; calls go to {server}/api/{service}{path}.
	ServerURL string `json:"serverURL"`

	// Origin and Referer the upstream expects from its own calling
	// application. The upstream rejects calls without them, so the relay
	// presents itself as that application. Compatibility shim, documented as
	// such.
	Origin  string `json:"origin"`
	Referer string `json:"referer"`

	// GoogleAPIKey is forwarded as x-goog-api-key when set.
	GoogleAPIKey string `json:"googleAPIKey"`

	// ExpectedAction for reCAPTCHA pre-validation.
	ExpectedAction string `json:"expectedAction"`

	// Placement maps a service type to where its reCAPTCHA token goes.
	Placement        map[string]RecaptchaPlacement `json:"placement"`
	DefaultPlacement RecaptchaPlacement            `json:"defaultPlacement"`
	RecaptchaHeader  string                        `json:"recaptchaHeader"`

	RequestTimeout time.Duration `json:"-"`
	StoreTimeout   time.Duration `json:"-"`
	FallbackTTL    time.Duration `json:"-"`
	ConsumedCap    int           `json:"-"`
}

func (c *DispatcherConfig) placementFor(service string) RecaptchaPlacement {
	if p, ok := c.Placement[service]; ok {
		return p
	}
	if c.DefaultPlacement != "" {
		return c.DefaultPlacement
	}
	return PlacementBody
}

// Request is one logical upstream call.
type Request struct {
	Path       string
	Service    string
	Body       interface{}
	LogContext string

	// UserID keys the credential-store lookup.
	UserID string

	// ExplicitToken short-circuits credential resolution entirely.
	ExplicitToken string

	// RecaptchaOverride replaces the stored reCAPTCHA token for this call.
	RecaptchaOverride string

	// Prevalidate runs the verification through the assessment authority
	// before spending an upstream call on it. Recommended for generation
	// endpoints, skippable for idempotent status checks.
	Prevalidate bool

	// RequireRecaptcha prompts (via the injected VerificationPrompter) when
	// no verification token is available.
	RequireRecaptcha bool

	// Timeout overrides the client default; status checks use a short one.
	Timeout time.Duration

	OnStatus       func(string)
	ServerOverride string
}

// Dispatcher resolves credentials, attaches the headers the upstream expects,
// forwards the call, and classifies the result. Every media-generation call
// passes through here. Safe for concurrent use; callers sharing one credential
// must still serialize themselves if they want single-use reCAPTCHA semantics
// to hold across calls.
type Dispatcher struct {
	client    *resty.Client
	store     CredentialStore
	validator *Validator
	prompter  VerificationPrompter

	// fallback keeps the last credential that resolved per user, with TTL
	// eviction. Owned here, not module-global, so cache behavior is testable.
	fallback *cache.Cache

	// consumed remembers reCAPTCHA tokens this process has already attached
	// to a dispatch; a consumed token is never attached again.
	consumed *lru.Cache

	sfGroup singleflight.Group
	config  DispatcherConfig
	logger  *logrus.Logger
}

func NewDispatcher(config DispatcherConfig, store CredentialStore, validator *Validator, logger *logrus.Logger) (*Dispatcher, error) {
	if config.ServerURL == "" {
		return nil, fmt.Errorf("dispatcher config missing serverURL")
	}
	if config.RecaptchaHeader == "" {
		config.RecaptchaHeader = "X-Recaptcha-Token"
	}
	if config.ExpectedAction == "" {
		config.ExpectedAction = "PINHOLE_GENERATE"
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.StoreTimeout == 0 {
		config.StoreTimeout = 10 * time.Second
	}
	if config.FallbackTTL == 0 {
		config.FallbackTTL = 10 * time.Minute
	}
	if config.ConsumedCap == 0 {
		config.ConsumedCap = 1000
	}
	if logger == nil {
		logger = logrus.New()
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookie jar init failed: %w", err)
	}

	consumed, err := lru.New(config.ConsumedCap)
	if err != nil {
		return nil, fmt.Errorf("consumed-token cache init failed: %w", err)
	}

	client := resty.New().
		SetTimeout(config.RequestTimeout).
		SetCookieJar(jar)

	return &Dispatcher{
		client:    client,
		store:     store,
		validator: validator,
		fallback:  cache.New(config.FallbackTTL, 2*config.FallbackTTL),
		consumed:  consumed,
		config:    config,
		logger:    logger,
	}, nil
}

// SetPrompter injects the capability that asks the end user for a fresh
// verification. Optional; without it a missing verification surfaces as
// recaptcha_required.
func (d *Dispatcher) SetPrompter(p VerificationPrompter) { d.prompter = p }

// Dispatch performs exactly one upstream attempt and returns a typed outcome.
// It never retries on its own: a rejected reCAPTCHA token will not succeed on
// a second pass, and network-error retry is caller policy.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Outcome {
	log := d.logger.WithFields(logrus.Fields{
		"context": req.LogContext,
		"service": req.Service,
		"path":    req.Path,
	})

	emit(req.OnStatus, CheckpointResolving)

	cred := d.resolveCredential(req)
	if cred == nil || cred.AccessToken == "" {
		log.Warn("No credential resolvable, failing fast")
		emit(req.OnStatus, CheckpointComplete)
		return Outcome{
			Status: StatusAuthRequired,
			Kind:   KindNoCredential,
			Detail: "no access token available from any source",
		}
	}

	recaptchaToken := strings.TrimSpace(cred.RecaptchaToken)
	if recaptchaToken != "" && d.consumed.Contains(recaptchaToken) {
		log.Warn("Stored reCAPTCHA token already consumed, dropping it")
		recaptchaToken = ""
	}

	if recaptchaToken == "" && req.RequireRecaptcha && d.prompter != nil {
		fresh, err := d.prompter(ctx)
		if err != nil {
			log.Warnf("Verification prompt failed: %v", err)
		} else {
			recaptchaToken = strings.TrimSpace(fresh)
		}
	}

	if recaptchaToken != "" && req.Prevalidate && d.validator != nil {
		verdict := d.validator.Validate(ctx, recaptchaToken, d.config.ExpectedAction)
		if !verdict.Valid {
			// The authority consumed the token; make sure it never rides
			// another dispatch.
			d.consumed.Add(recaptchaToken, time.Now())
			log.Warnf("Pre-validation rejected verification: %s", verdict.Reason)
			emit(req.OnStatus, CheckpointComplete)
			return Outcome{
				Status: StatusRecaptchaInvalid,
				Kind:   KindRecaptchaInvalid,
				Detail: verdict.Reason,
			}
		}
	}

	body, headers, attached := d.prepareCall(req, cred.AccessToken, recaptchaToken)
	if attached {
		d.consumed.Add(recaptchaToken, time.Now())
	}

	server := d.config.ServerURL
	if req.ServerOverride != "" {
		server = req.ServerOverride
	}
	endpoint := fmt.Sprintf("%s/api/%s%s", server, req.Service, req.Path)

	callCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	emit(req.OnStatus, CheckpointDispatching)

	resp, err := d.client.R().
		SetContext(callCtx).
		SetHeaders(headers).
		SetBody(body).
		Post(endpoint)

	if err != nil {
		log.Errorf("Upstream request failed: %v", err)
		emit(req.OnStatus, CheckpointComplete)
		return Outcome{
			Status: StatusNetworkError,
			Kind:   KindNetworkError,
			Detail: err.Error(),
		}
	}

	outcome := d.classify(resp.StatusCode(), decodeBody(resp), attached, log)
	outcome.UsedToken = cred.AccessToken
	emit(req.OnStatus, CheckpointComplete)
	return outcome
}

// resolveCredential applies the precedence: explicit token, fresh store read,
// local TTL fallback. The fresh read always wins over the fallback because the
// reCAPTCHA half of the pair lives about two minutes; a stale local copy costs
// more than the round trip.
func (d *Dispatcher) resolveCredential(req Request) *Credential {
	if token := strings.TrimSpace(req.ExplicitToken); token != "" {
		return &Credential{
			AccessToken:    token,
			RecaptchaToken: req.RecaptchaOverride,
		}
	}

	if req.UserID == "" || d.store == nil {
		return nil
	}

	v, err, _ := d.sfGroup.Do("cred:"+req.UserID, func() (interface{}, error) {
		// The read is shared across concurrent callers of the same user, so it
		// must not inherit any single caller's deadline.
		storeCtx, cancel := context.WithTimeout(context.Background(), d.config.StoreTimeout)
		defer cancel()
		return d.store.Get(storeCtx, req.UserID)
	})

	if err == nil {
		if cred, ok := v.(*Credential); ok && cred != nil && strings.TrimSpace(cred.AccessToken) != "" {
			resolved := Credential{
				AccessToken:    strings.TrimSpace(cred.AccessToken),
				RecaptchaToken: strings.TrimSpace(cred.RecaptchaToken),
				CapturedAt:     cred.CapturedAt,
			}
			d.fallback.Set(req.UserID, &resolved, cache.DefaultExpiration)
			out := resolved
			if req.RecaptchaOverride != "" {
				out.RecaptchaToken = req.RecaptchaOverride
			}
			return &out
		}
	} else {
		d.logger.WithField("user", req.UserID).Warnf("Fresh credential read failed: %v", err)
	}

	if cached, ok := d.fallback.Get(req.UserID); ok {
		if cred, ok := cached.(*Credential); ok {
			out := *cred
			if req.RecaptchaOverride != "" {
				out.RecaptchaToken = req.RecaptchaOverride
			}
			d.logger.WithField("user", req.UserID).Info("Using fallback credential from local cache")
			return &out
		}
	}

	return nil
}

// prepareCall builds the forwarded body and the spoofed header set, attaching
// the reCAPTCHA token where the service's contract wants it. Reports whether a
// verification token was attached.
func (d *Dispatcher) prepareCall(req Request, accessToken, recaptchaToken string) (interface{}, map[string]string, bool) {
	headers := map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + accessToken,
	}
	if d.config.Origin != "" {
		headers["Origin"] = d.config.Origin
	}
	if d.config.Referer != "" {
		headers["Referer"] = d.config.Referer
	}
	if d.config.GoogleAPIKey != "" {
		headers["x-goog-api-key"] = d.config.GoogleAPIKey
	}

	body := req.Body
	if recaptchaToken == "" {
		return body, headers, false
	}

	switch d.config.placementFor(req.Service) {
	case PlacementHeader:
		headers[d.config.RecaptchaHeader] = recaptchaToken
	default:
		injected, ok := injectClientContextToken(body, recaptchaToken)
		if !ok {
			// Non-object body; the header is the only remaining carrier.
			d.logger.Warn("Body is not a JSON object, attaching verification via header")
			headers[d.config.RecaptchaHeader] = recaptchaToken
			return body, headers, true
		}
		body = injected
	}
	return body, headers, true
}

// injectClientContextToken sets clientContext.recaptchaToken on a JSON object
// body without disturbing the rest of the payload.
func injectClientContextToken(body interface{}, token string) (map[string]interface{}, bool) {
	var obj map[string]interface{}

	switch b := body.(type) {
	case nil:
		obj = map[string]interface{}{}
	case map[string]interface{}:
		obj = make(map[string]interface{}, len(b)+1)
		for k, v := range b {
			obj[k] = v
		}
	case json.RawMessage:
		if err := json.Unmarshal(b, &obj); err != nil || obj == nil {
			return nil, false
		}
	case []byte:
		if err := json.Unmarshal(b, &obj); err != nil || obj == nil {
			return nil, false
		}
	default:
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, false
		}
		if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
			return nil, false
		}
	}

	clientContext, _ := obj["clientContext"].(map[string]interface{})
	if clientContext == nil {
		clientContext = map[string]interface{}{}
	}
	clientContext["recaptchaToken"] = token
	obj["clientContext"] = clientContext
	return obj, true
}

// classify maps the upstream response onto the outcome taxonomy.
func (d *Dispatcher) classify(status int, body []byte, recaptchaAttached bool, log *logrus.Entry) Outcome {
	if status >= 200 && status < 300 {
		// 204-style responses carry no body at all; that is a clean accept.
		if len(body) == 0 {
			return Outcome{Status: StatusOK, HTTPStatus: status}
		}
		if !json.Valid(body) {
			log.Warnf("Upstream returned non-JSON success body: %s", truncate(string(body), 200))
			return Outcome{
				Status:     StatusUpstreamError,
				Kind:       KindMalformedResponse,
				HTTPStatus: status,
				Detail:     "upstream response is not valid JSON",
			}
		}
		return Outcome{Status: StatusOK, HTTPStatus: status, Body: json.RawMessage(body)}
	}

	if status == 401 {
		log.Warn("Upstream rejected bearer token")
		return Outcome{
			Status:     StatusAuthRequired,
			Kind:       KindAuthRejected,
			HTTPStatus: status,
			Body:       rawOrQuoted(body),
		}
	}

	if status == 403 || containsRecaptchaMarker(body) {
		if recaptchaAttached {
			// The attached token was rejected; retrying with it cannot help,
			// so surface this distinctly from the re-prompt case.
			log.Warn("Upstream rejected attached verification")
			return Outcome{
				Status:     StatusRecaptchaInvalid,
				Kind:       KindRecaptchaInvalid,
				HTTPStatus: status,
				Body:       rawOrQuoted(body),
			}
		}
		log.Warn("Upstream demands verification")
		return Outcome{
			Status:     StatusRecaptchaNeeded,
			Kind:       KindRecaptchaRequired,
			HTTPStatus: status,
			Body:       rawOrQuoted(body),
		}
	}

	log.Warnf("Upstream error %d: %s", status, truncate(string(body), 200))
	return Outcome{
		Status:     StatusUpstreamError,
		Kind:       KindUpstreamError,
		HTTPStatus: status,
		Body:       rawOrQuoted(body),
	}
}

func containsRecaptchaMarker(body []byte) bool {
	s := string(body)
	for _, marker := range recaptchaRejectionMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// decodeBody unwraps Content-Encoding the transport did not handle. The
// upstream serves brotli to callers that look like browsers.
func decodeBody(resp *resty.Response) []byte {
	raw := resp.Body()
	switch resp.Header().Get("Content-Encoding") {
	case "br":
		decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return raw
		}
		return decoded
	case "gzip":
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return raw
		}
		defer gz.Close()
		decoded, err := io.ReadAll(gz)
		if err != nil {
			return raw
		}
		return decoded
	default:
		return raw
	}
}

// rawOrQuoted keeps an upstream body verbatim when it is JSON and wraps it as
// a JSON string otherwise, so Outcome always marshals cleanly.
func rawOrQuoted(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, err := json.Marshal(string(body))
	if err != nil {
		return nil
	}
	return json.RawMessage(quoted)
}

func emit(cb func(string), checkpoint string) {
	if cb != nil {
		cb(checkpoint)
	}
}
