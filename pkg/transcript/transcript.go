// Package transcript persists each job's streamed output as JSON Lines on
// the workspace filesystem. One file per job, one output event per line, in
// the same wire format the backends speak, so a transcript can be replayed
// through backend.UnmarshalEvent.
package transcript

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/cortexhq/cortex/pkg/backend"
	"github.com/cortexhq/cortex/pkg/masking"
)

// dirName is the subdirectory holding transcripts inside a workspace.
const dirName = "transcripts"

// ErrClosed is returned by Append after the writer has been closed.
var ErrClosed = errors.New("transcript writer closed")

// Store opens per-job transcript writers. Files land under the job's own
// workspace when it has one, else under the store's base directory.
type Store struct {
	baseDir string
	masker  *masking.Service
	logger  *slog.Logger
}

// NewStore creates a transcript store rooted at baseDir. masker may be nil
// when masking is disabled.
func NewStore(baseDir string, masker *masking.Service, logger *slog.Logger) *Store {
	return &Store{
		baseDir: baseDir,
		masker:  masker,
		logger:  logger.With("component", "transcript"),
	}
}

// Open returns the append writer for a job's transcript, creating the
// directory and file as needed. Reopening an existing transcript appends,
// so a resumed job continues its file rather than truncating it.
func (s *Store) Open(jobID, workspacePath string) (*Writer, error) {
	root := workspacePath
	if root == "" {
		root = s.baseDir
	}
	dir := filepath.Join(root, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir %s: %w", dir, err)
	}

	path := filepath.Join(dir, jobID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript %s: %w", path, err)
	}
	s.logger.Debug("transcript opened", "job_id", jobID, "path", path)
	return &Writer{f: f, path: path, masker: s.masker}, nil
}

// Path returns where a job's transcript lives without opening it.
func (s *Store) Path(jobID, workspacePath string) string {
	root := workspacePath
	if root == "" {
		root = s.baseDir
	}
	return filepath.Join(root, dirName, jobID+".jsonl")
}

// Writer appends output events to one job's transcript file.
type Writer struct {
	f      *os.File
	path   string
	masker *masking.Service

	mu     sync.Mutex
	closed bool
}

// Path returns the transcript file path.
func (w *Writer) Path() string { return w.path }

// Append writes one event as a single JSON line. Secrets are masked before
// the line hits disk; the line itself stays valid JSON because mask
// replacements contain no quoting characters.
func (w *Writer) Append(ev backend.OutputEvent) error {
	line, err := backend.MarshalEvent(ev)
	if err != nil {
		return fmt.Errorf("encode transcript event: %w", err)
	}
	out := string(line)
	if w.masker != nil {
		out = w.masker.Mask(out)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if _, err := w.f.Write(append([]byte(out), '\n')); err != nil {
		return fmt.Errorf("append transcript %s: %w", w.path, err)
	}
	return nil
}

// Close syncs the file to disk and closes it. Safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	syncErr := w.f.Sync()
	closeErr := w.f.Close()
	if syncErr != nil {
		return fmt.Errorf("sync transcript %s: %w", w.path, syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close transcript %s: %w", w.path, closeErr)
	}
	return nil
}
