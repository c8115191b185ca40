package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: slog.LevelInfo, Format: "text", Output: &buf})
	l.Info("hello", "job", "abc")

	assert.Contains(t, buf.String(), "msg=hello")
	assert.Contains(t, buf.String(), "job=abc")
}

func TestNewCategories_RoutesToFiles(t *testing.T) {
	dir := t.TempDir()
	defaultLogger := slog.Default()
	t.Cleanup(func() { slog.SetDefault(defaultLogger) })

	cats, err := NewCategories(
		Config{Level: slog.LevelInfo, Output: io.Discard},
		FileConfig{Dir: dir, MaxSizeMB: 1, MaxBackups: 1},
	)
	require.NoError(t, err)

	cats.General.Info("job queued")
	cats.Security.Warn("slither finding")
	cats.Performance.Info("stage timing")
	cats.General.Error("compile crashed")
	require.NoError(t, cats.Close())

	read := func(name string) string {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		return string(data)
	}

	general := read("general.log")
	assert.Contains(t, general, "job queued")
	assert.Contains(t, general, "compile crashed")
	assert.NotContains(t, general, "slither finding")

	assert.Contains(t, read("security.log"), "slither finding")
	assert.Contains(t, read("performance.log"), "stage timing")

	errorLog := read("error.log")
	assert.Contains(t, errorLog, "compile crashed")
	assert.NotContains(t, errorLog, "job queued")
}

func TestCategories_For(t *testing.T) {
	cats := Discard()
	assert.Same(t, cats.Security, cats.For(CategorySecurity))
	assert.Same(t, cats.Performance, cats.For(CategoryPerformance))
	assert.Same(t, cats.General, cats.For("unknown"))
}
