package transcript

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhq/cortex/pkg/backend"
	"github.com/cortexhq/cortex/pkg/config"
	"github.com/cortexhq/cortex/pkg/masking"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestStore_Open(t *testing.T) {
	t.Run("places transcript under the job workspace", func(t *testing.T) {
		base := t.TempDir()
		workspace := t.TempDir()
		store := NewStore(base, nil, testLogger())

		w, err := store.Open("job-1", workspace)
		require.NoError(t, err)
		defer w.Close()

		assert.Equal(t, filepath.Join(workspace, "transcripts", "job-1.jsonl"), w.Path())
		assert.Equal(t, w.Path(), store.Path("job-1", workspace))
	})

	t.Run("falls back to the base directory", func(t *testing.T) {
		base := t.TempDir()
		store := NewStore(base, nil, testLogger())

		w, err := store.Open("job-2", "")
		require.NoError(t, err)
		defer w.Close()

		assert.Equal(t, filepath.Join(base, "transcripts", "job-2.jsonl"), w.Path())
	})

	t.Run("reopening appends instead of truncating", func(t *testing.T) {
		store := NewStore(t.TempDir(), nil, testLogger())

		w, err := store.Open("job-3", "")
		require.NoError(t, err)
		require.NoError(t, w.Append(&backend.TextEvent{Timestamp: time.Now(), Content: "first run"}))
		require.NoError(t, w.Close())

		w, err = store.Open("job-3", "")
		require.NoError(t, err)
		require.NoError(t, w.Append(&backend.TextEvent{Timestamp: time.Now(), Content: "resumed run"}))
		require.NoError(t, w.Close())

		lines := readLines(t, w.Path())
		require.Len(t, lines, 2)
		assert.Contains(t, lines[0], "first run")
		assert.Contains(t, lines[1], "resumed run")
	})
}

func TestWriter_Append(t *testing.T) {
	t.Run("round-trips events through the wire format", func(t *testing.T) {
		store := NewStore(t.TempDir(), nil, testLogger())
		w, err := store.Open("job-rt", "")
		require.NoError(t, err)

		now := time.Now().UTC().Truncate(time.Millisecond)
		events := []backend.OutputEvent{
			&backend.TextEvent{Timestamp: now, Content: "analyzing the failure"},
			&backend.ToolUseEvent{Timestamp: now, ToolName: "bash", ToolInput: []byte(`{"command":"ls"}`)},
			&backend.ToolResultEvent{Timestamp: now, ToolName: "bash", Output: "main.go"},
			&backend.CompleteEvent{Timestamp: now, Result: &backend.ExecutionResult{
				TaskID: "task-1",
				Status: backend.StatusCompleted,
			}},
		}
		for _, ev := range events {
			require.NoError(t, w.Append(ev))
		}
		require.NoError(t, w.Close())

		lines := readLines(t, w.Path())
		require.Len(t, lines, len(events))
		for i, line := range lines {
			decoded, err := backend.UnmarshalEvent([]byte(line))
			require.NoError(t, err, "line %d", i)
			assert.Equal(t, backend.Type(events[i]), backend.Type(decoded))
		}
	})

	t.Run("masks secrets before they reach disk", func(t *testing.T) {
		masker := masking.NewService(config.DefaultMaskingConfig())
		store := NewStore(t.TempDir(), masker, testLogger())
		w, err := store.Open("job-mask", "")
		require.NoError(t, err)

		token := "ghp_" + strings.Repeat("a1b2c3d4e5", 4)
		require.NoError(t, w.Append(&backend.TextEvent{
			Timestamp: time.Now(),
			Content:   "pushing with token " + token,
		}))
		require.NoError(t, w.Close())

		raw, err := os.ReadFile(w.Path())
		require.NoError(t, err)
		assert.NotContains(t, string(raw), token)
		assert.Contains(t, string(raw), "__MASKED_GITHUB_TOKEN__")

		// The masked line is still a valid wire event.
		lines := readLines(t, w.Path())
		require.Len(t, lines, 1)
		_, err = backend.UnmarshalEvent([]byte(lines[0]))
		require.NoError(t, err)
	})

	t.Run("append after close fails", func(t *testing.T) {
		store := NewStore(t.TempDir(), nil, testLogger())
		w, err := store.Open("job-closed", "")
		require.NoError(t, err)
		require.NoError(t, w.Close())
		require.NoError(t, w.Close())

		err = w.Append(&backend.TextEvent{Timestamp: time.Now(), Content: "late"})
		assert.ErrorIs(t, err, ErrClosed)
	})
}
