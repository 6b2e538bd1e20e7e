package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"mediaRelay/auditlog"
	"mediaRelay/relay"
)

const maxBodyBytes = 50 << 20

// generationMarkers in the caller's log context flag calls worth a
// pre-validation round trip before spending a generation request.
var generationMarkers = []string{"GENERATE", "RECIPE", "UPLOAD"}

func isGenerationContext(logContext string) bool {
	upper := strings.ToUpper(logContext)
	for _, marker := range generationMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// relayHandler forwards one media-generation call through the dispatcher. The
// body is opaque JSON passed through verbatim; credentials come from the
// Authorization header (explicit), X-User-ID (store lookup), or the local
// fallback, in that order.
func (a *App) relayHandler(c *gin.Context) {
	service := c.Param("service")
	path := c.Param("path")

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
		return
	}

	logContext := c.GetHeader("X-Log-Context")
	if logContext == "" {
		logContext = strings.ToUpper(service) + " RELAY"
	}
	generation := isGenerationContext(logContext) || isGenerationContext(path)

	config := a.currentConfig()
	req := relay.Request{
		Path:              path,
		Service:           service,
		Body:              json.RawMessage(body),
		LogContext:        logContext,
		UserID:            c.GetHeader("X-User-ID"),
		ExplicitToken:     bearerToken(c.GetHeader("Authorization")),
		RecaptchaOverride: c.GetHeader("X-Recaptcha-Token"),
		Prevalidate:       generation,
		OnStatus: func(checkpoint string) {
			a.logger.WithField("context", logContext).Debug(checkpoint)
		},
	}
	if !generation {
		req.Timeout = time.Duration(config.StatusTimeout) * time.Second
	}

	start := time.Now()
	outcome := a.currentDispatcher().Dispatch(c.Request.Context(), req)

	if a.audit != nil {
		a.audit.Record(context.Background(), auditlog.Entry{
			UserID:     req.UserID,
			Service:    service,
			Path:       path,
			LogContext: logContext,
			Status:     outcome.Status,
			Kind:       string(outcome.Kind),
			HTTPStatus: outcome.HTTPStatus,
			DurationMS: time.Since(start).Milliseconds(),
		})
	}

	writeOutcome(c, &outcome)
}

func bearerToken(header string) string {
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// writeOutcome maps the dispatch taxonomy onto the relay's own HTTP contract.
func writeOutcome(c *gin.Context, outcome *relay.Outcome) {
	if outcome.OK() {
		c.Data(outcome.HTTPStatus, "application/json", outcome.Body)
		return
	}

	var code int
	switch outcome.Status {
	case relay.StatusAuthRequired:
		code = http.StatusUnauthorized
	case relay.StatusRecaptchaNeeded, relay.StatusRecaptchaInvalid:
		code = http.StatusForbidden
	case relay.StatusNetworkError:
		code = http.StatusGatewayTimeout
	default:
		code = outcome.HTTPStatus
		if code < 400 {
			code = http.StatusBadGateway
		}
	}

	c.JSON(code, gin.H{
		"status":   outcome.Status,
		"kind":     outcome.Kind,
		"detail":   outcome.Detail,
		"upstream": outcome.Body,
	})
}

// extractHandler scans an uploaded artifact (cookie export, log dump, JWT) for
// a usable access token. With save=1 and a user id, the result is persisted as
// that user's credential.
func (a *App) extractHandler(c *gin.Context) {
	data, err := readArtifact(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable upload"})
		return
	}

	result := relay.Extract(data)
	if result == nil {
		c.JSON(http.StatusNotFound, gin.H{"found": false})
		return
	}

	saved := false
	userID := c.GetHeader("X-User-ID")
	if c.Query("save") == "1" && userID != "" && a.mongo != nil {
		err := a.mongo.Set(c.Request.Context(), userID, relay.Credential{
			AccessToken: result.Token,
			CapturedAt:  time.Now().UTC(),
		})
		if err != nil {
			a.logger.Errorf("Failed to save extracted token: %v", err)
		} else {
			saved = true
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"found":  true,
		"token":  result.Token,
		"method": result.Method,
		"saved":  saved,
	})
}

func readArtifact(c *gin.Context) ([]byte, error) {
	if file, err := c.FormFile("file"); err == nil {
		f, err := file.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(io.LimitReader(f, maxBodyBytes))
	}
	return io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
}

type saveTokensRequest struct {
	AccessToken    string `json:"accessToken" binding:"required"`
	RecaptchaToken string `json:"recaptchaToken"`
}

// saveTokensHandler persists a pasted credential pair. This is the only write
// path into the store; the dispatch pipeline never mutates credentials.
func (a *App) saveTokensHandler(c *gin.Context) {
	userID := c.GetHeader("X-User-ID")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing X-User-ID header"})
		return
	}
	if a.mongo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "credential store not configured"})
		return
	}

	var req saveTokensRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	err := a.mongo.Set(c.Request.Context(), userID, relay.Credential{
		AccessToken:    req.AccessToken,
		RecaptchaToken: req.RecaptchaToken,
		CapturedAt:     time.Now().UTC(),
	})
	if err != nil {
		a.logger.Errorf("Failed to save tokens for %s: %v", userID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"saved": true})
}

// downloadHandler streams a generated asset back to the caller without
// buffering it in memory.
func (a *App) downloadHandler(c *gin.Context) {
	rawURL := c.Query("url")
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "https" && parsed.Scheme != "http") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid url"})
		return
	}

	resp, err := a.download.R().
		SetContext(c.Request.Context()).
		SetDoNotParseResponse(true).
		Get(rawURL)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "download failed"})
		return
	}
	defer resp.RawBody().Close()

	contentType := resp.Header().Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}
	c.DataFromReader(resp.StatusCode(), resp.RawResponse.ContentLength, contentType, resp.RawBody(), nil)
}

func (a *App) auditRecentHandler(c *gin.Context) {
	if a.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit trail not configured"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := a.audit.Recent(c.Request.Context(), limit)
	if err != nil {
		a.logger.Errorf("Audit query failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit query failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (a *App) healthHandler(c *gin.Context) {
	storeState := "not_configured"
	if a.mongo != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := a.mongo.Ping(ctx); err != nil {
			storeState = "unreachable"
		} else {
			storeState = "connected"
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "store": storeState})
}
