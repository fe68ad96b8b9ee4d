package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadOptional_Missing(t *testing.T) {
	s, err := LoadOptional(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), s)
	require.NoError(t, s.Validate())
}

func TestLoadOptional(t *testing.T) {
	path := writeScenario(t, `
version: v1.0.0
duration: 5s
metrics: true
timers:
  - name: tick
    interval: 250ms
    repeat: true
    count: 4
    quit: true
  - name: urgent
    interval: 1s
    priority: -100
idle:
  - name: spin
    limit: 10
stdin:
  quit_on_eof: true
`)

	s, err := LoadOptional(path)
	require.NoError(t, err)

	assert.Equal(t, "v1.0.0", s.Version)
	assert.Equal(t, 5*time.Second, s.Duration)
	assert.True(t, s.Metrics)
	require.Len(t, s.Timers, 2)
	assert.Equal(t, Timer{Name: "tick", Interval: 250 * time.Millisecond, Repeat: true, Count: 4, Quit: true}, s.Timers[0])
	assert.Equal(t, -100, s.Timers[1].Priority)
	assert.Equal(t, []Idle{{Name: "spin", Limit: 10}}, s.Idle)
	require.NotNil(t, s.Stdin)
	assert.True(t, s.Stdin.QuitOnEOF)
}

func TestLoadOptional_DefaultVersion(t *testing.T) {
	s, err := LoadOptional(writeScenario(t, "duration: 1s\n"))
	require.NoError(t, err)
	assert.Equal(t, SupportedVersion, s.Version)
}

func TestLoadOptional_Invalid(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
		errMsg  string
	}{
		{"syntax", "timers: [", "failed to parse"},
		{"bad version", "version: one", "not a valid semantic version"},
		{"future version", "version: v1.2.0", "not supported"},
		{"major version", "version: v2.0.0", "not supported"},
		{"negative duration", "duration: -1s", "duration must not be negative"},
		{"unnamed timer", "timers:\n  - interval: 1s\n", "name is required"},
		{"negative count", "timers:\n  - name: a\n    count: -1\n", "count must not be negative"},
		{"idle limit", "idle:\n  - name: a\n", "limit must be positive"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadOptional(writeScenario(t, tc.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}
