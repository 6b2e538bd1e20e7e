package auditlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	l, err := Open(filepath.Join(t.TempDir(), "audit.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndRecent(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.Record(ctx, Entry{
		At:         base,
		UserID:     "user-1",
		Service:    "veo",
		Path:       "/generate",
		Status:     "ok",
		HTTPStatus: 200,
		DurationMS: 1200,
	})
	l.Record(ctx, Entry{
		At:      base.Add(time.Minute),
		UserID:  "user-1",
		Service: "imagen",
		Path:    "/generate",
		Status:  "recaptcha_invalid",
		Kind:    "RecaptchaTokenInvalid",
	})

	entries, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "imagen", entries[0].Service, "newest entry comes first")
	assert.Equal(t, "recaptcha_invalid", entries[0].Status)
	assert.Equal(t, base.Add(time.Minute), entries[0].At)

	assert.Equal(t, "veo", entries[1].Service)
	assert.Equal(t, 200, entries[1].HTTPStatus)
	assert.Equal(t, int64(1200), entries[1].DurationMS)
}

func TestRecentHonorsLimit(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		l.Record(ctx, Entry{
			At:      base.Add(time.Duration(i) * time.Second),
			Service: "veo",
			Path:    "/status",
			Status:  "ok",
		})
	}

	entries, err := l.Recent(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.Equal(t, base.Add(4*time.Second), entries[0].At)
}

func TestRecentEmptyTrail(t *testing.T) {
	l := newTestLog(t)

	entries, err := l.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecordStampsMissingTime(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	before := time.Now().UTC().Truncate(time.Second)
	l.Record(ctx, Entry{Service: "veo", Path: "/generate", Status: "ok"})

	entries, err := l.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].At.Before(before))
}
