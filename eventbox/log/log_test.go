//go:build unit

package log

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type capturedEntry struct {
	level  Level
	msg    string
	fields []Field
}

// captureLogger records entries for assertions.
type captureLogger struct {
	mu      sync.Mutex
	entries []capturedEntry
	level   Level
}

func (l *captureLogger) Log(_ context.Context, level Level, msg string, fields ...Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, capturedEntry{level: level, msg: msg, fields: fields})
}

//nolint:ireturn
func (l *captureLogger) With(_ ...Field) Logger { return l }

//nolint:ireturn
func (l *captureLogger) WithGroup(_ string) Logger { return l }

func (l *captureLogger) Enabled(level Level) bool { return l.level >= level }

func (l *captureLogger) Sync(_ context.Context) error { return nil }

func (l *captureLogger) snapshot() []capturedEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]capturedEntry, len(l.entries))
	copy(out, l.entries)

	return out
}

func TestLevelString(t *testing.T) {
	t.Parallel()

	cases := []struct {
		level Level
		want  string
	}{
		{LevelError, "error"},
		{LevelWarn, "warn"},
		{LevelInfo, "info"},
		{LevelDebug, "debug"},
		{Level(42), "unknown"},
	}

	for _, tc := range cases {
		require.Equal(t, tc.want, tc.level.String())
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "debug", want: LevelDebug},
		{in: "INFO", want: LevelInfo},
		{in: "warn", want: LevelWarn},
		{in: "warning", want: LevelWarn},
		{in: "Error", want: LevelError},
		{in: "verbose", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tc := range cases {
		got, err := ParseLevel(tc.in)
		if tc.wantErr {
			require.Error(t, err)
			continue
		}

		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}
}

func TestLevelOrderingActsAsCeiling(t *testing.T) {
	t.Parallel()

	logger := &captureLogger{level: LevelInfo}

	require.True(t, logger.Enabled(LevelError))
	require.True(t, logger.Enabled(LevelWarn))
	require.True(t, logger.Enabled(LevelInfo))
	require.False(t, logger.Enabled(LevelDebug))
}

func TestFieldConstructors(t *testing.T) {
	t.Parallel()

	err := errors.New("boom")
	now := time.Unix(1700000000, 0).UTC()

	require.Equal(t, Field{Key: "k", Value: "v"}, String("k", "v"))
	require.Equal(t, Field{Key: "n", Value: 7}, Int("n", 7))
	require.Equal(t, Field{Key: "n64", Value: int64(9)}, Int64("n64", 9))
	require.Equal(t, Field{Key: "ok", Value: true}, Bool("ok", true))
	require.Equal(t, Field{Key: "d", Value: time.Second}, Duration("d", time.Second))
	require.Equal(t, Field{Key: "t", Value: now}, Time("t", now))
	require.Equal(t, Field{Key: "error", Value: err}, Err(err))
	require.Equal(t, Field{Key: "x", Value: 1.5}, Any("x", 1.5))
}

func TestNopLoggerIsInert(t *testing.T) {
	t.Parallel()

	logger := NewNop()

	logger.Log(context.Background(), LevelError, "ignored", String("k", "v"))
	require.False(t, logger.Enabled(LevelError))
	require.Same(t, logger, logger.With(String("k", "v")))
	require.Same(t, logger, logger.WithGroup("grp"))
	require.NoError(t, logger.Sync(context.Background()))
}

func TestSafeErrorRedactsInProduction(t *testing.T) {
	t.Parallel()

	logger := &captureLogger{level: LevelDebug}
	err := errors.New("password=hunter2 leaked")

	SafeError(logger, context.Background(), "publish failed", err, true)

	entries := logger.snapshot()
	require.Len(t, entries, 1)
	require.Equal(t, LevelError, entries[0].level)
	require.Len(t, entries[0].fields, 1)
	require.Equal(t, "error_type", entries[0].fields[0].Key)
	require.Equal(t, "*errors.errorString", entries[0].fields[0].Value)
}

func TestSafeErrorKeepsDetailOutsideProduction(t *testing.T) {
	t.Parallel()

	logger := &captureLogger{level: LevelDebug}
	err := errors.New("dial tcp: connection refused")

	SafeError(logger, context.Background(), "publish failed", err, false)

	entries := logger.snapshot()
	require.Len(t, entries, 1)
	require.Equal(t, "error", entries[0].fields[0].Key)
	require.Equal(t, err, entries[0].fields[0].Value)
}

func TestSafeErrorSkipsNilInputs(t *testing.T) {
	t.Parallel()

	logger := &captureLogger{level: LevelDebug}

	SafeError(nil, context.Background(), "msg", errors.New("x"), false)
	SafeError(logger, context.Background(), "msg", nil, false)

	require.Empty(t, logger.snapshot())
}
