package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// Verdict reason codes for failures the authority itself does not name.
const (
	ReasonNoToken        = "NO_TOKEN"
	ReasonHTTPError      = "HTTP_ERROR"
	ReasonException      = "EXCEPTION"
	ReasonInvalidToken   = "INVALID_TOKEN"
	ReasonActionMismatch = "ACTION_MISMATCH"
)

// Verdict is the per-call result of one assessment. It must never be cached
// beyond the dispatch it supports: the underlying token is consumed by the
// authority on first use.
type Verdict struct {
	Valid  bool    `json:"valid"`
	Score  float64 `json:"score,omitempty"`
	Action string  `json:"action,omitempty"`
	Reason string  `json:"reason,omitempty"`
	Detail string  `json:"detail,omitempty"`
}

// ValidatorConfig identifies the site and project to the assessment authority.
type ValidatorConfig struct {
	BaseURL        string        `json:"baseURL"`
	ProjectID      string        `json:"projectID"`
	APIKey         string        `json:"apiKey"`
	SiteKey        string        `json:"siteKey"`
	ScoreThreshold float64       `json:"scoreThreshold"`
	Timeout        time.Duration `json:"-"`
}

// Validator confirms a reCAPTCHA assertion against the enterprise assessment
// endpoint: genuine, issued for the expected action, acceptable risk score.
type Validator struct {
	client *resty.Client
	config ValidatorConfig
	logger *logrus.Logger
}

func NewValidator(config ValidatorConfig, logger *logrus.Logger) *Validator {
	if config.BaseURL == "" {
		config.BaseURL = "https://recaptchaenterprise.googleapis.com"
	}
	if config.ScoreThreshold == 0 {
		config.ScoreThreshold = 0.3
	}
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}

	client := resty.New().
		SetTimeout(config.Timeout)

	return &Validator{
		client: client,
		config: config,
		logger: logger,
	}
}

type assessmentRequest struct {
	Event assessmentEvent `json:"event"`
}

type assessmentEvent struct {
	Token          string `json:"token"`
	ExpectedAction string `json:"expectedAction"`
	SiteKey        string `json:"siteKey"`
}

type assessmentResponse struct {
	TokenProperties struct {
		Valid         bool   `json:"valid"`
		Action        string `json:"action"`
		InvalidReason string `json:"invalidReason"`
	} `json:"tokenProperties"`
	RiskAnalysis struct {
		Score float64 `json:"score"`
	} `json:"riskAnalysis"`
}

// Validate performs one assessment call. Expected negative conditions come
// back as a structured Verdict, never an error. Callers must not validate the
// same token twice expecting two successes; the authority consumes it.
func (v *Validator) Validate(ctx context.Context, token, expectedAction string) Verdict {
	if token == "" {
		return Verdict{Valid: false, Reason: ReasonNoToken}
	}

	assessmentURL := fmt.Sprintf("%s/v1/projects/%s/assessments?key=%s",
		v.config.BaseURL, v.config.ProjectID, v.config.APIKey)

	resp, err := v.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(assessmentRequest{Event: assessmentEvent{
			Token:          token,
			ExpectedAction: expectedAction,
			SiteKey:        v.config.SiteKey,
		}}).
		Post(assessmentURL)

	if err != nil {
		v.logger.WithField("action", expectedAction).Errorf("Assessment request failed: %v", err)
		return Verdict{Valid: false, Reason: ReasonException, Detail: err.Error()}
	}

	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		v.logger.Errorf("Assessment authority returned status %d", resp.StatusCode())
		return Verdict{
			Valid:  false,
			Reason: ReasonHTTPError,
			Detail: fmt.Sprintf("status %d: %s", resp.StatusCode(), truncate(string(resp.Body()), 200)),
		}
	}

	var assessment assessmentResponse
	if err := json.Unmarshal(resp.Body(), &assessment); err != nil {
		return Verdict{Valid: false, Reason: ReasonException, Detail: "undecodable assessment response"}
	}

	if !assessment.TokenProperties.Valid {
		reason := assessment.TokenProperties.InvalidReason
		if reason == "" {
			reason = ReasonInvalidToken
		}
		v.logger.WithField("reason", reason).Warn("Assessment rejected token")
		return Verdict{Valid: false, Reason: reason}
	}

	if assessment.TokenProperties.Action != expectedAction {
		v.logger.Warnf("Action mismatch: got %q, expected %q", assessment.TokenProperties.Action, expectedAction)
		return Verdict{Valid: false, Reason: ReasonActionMismatch, Action: assessment.TokenProperties.Action}
	}

	score := assessment.RiskAnalysis.Score
	if score < v.config.ScoreThreshold {
		// A marginal score is observable but never blocking: a false negative
		// here locks out a legitimate user.
		v.logger.Warnf("Low risk score %.2f for action %q", score, expectedAction)
	}

	return Verdict{Valid: true, Score: score, Action: assessment.TokenProperties.Action}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
