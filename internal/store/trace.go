package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cwbudde/gdescent/internal/opt"
)

const (
	traceFile       = "trace.jsonl"
	traceBufferSize = 64 * 1024
)

// TraceEntry is one line of trace.jsonl: the state of the descent at the
// start of an iteration.
type TraceEntry struct {
	// Iteration is the number of steps taken before this point
	Iteration int `json:"iteration"`

	Value        float64   `json:"value"`
	GradientNorm float64   `json:"gradientNorm"`
	Timestamp    time.Time `json:"timestamp"`

	// Point is omitted unless the trace was opened with points
	Point []float64 `json:"point,omitempty"`
}

// NewTraceEntry converts a descent progress report into a trace entry.
// The point is copied when withPoint is set.
func NewTraceEntry(p opt.Progress, withPoint bool) TraceEntry {
	entry := TraceEntry{
		Iteration:    p.Iteration,
		Value:        p.Value,
		GradientNorm: p.GradientNorm,
		Timestamp:    time.Now(),
	}
	if withPoint {
		entry.Point = append([]float64(nil), p.Point...)
	}
	return entry
}

// TraceWriter appends entries to a run's trace.jsonl. Writes are buffered
// until Flush or Close. Safe for concurrent use.
type TraceWriter struct {
	mu      sync.Mutex
	file    *os.File
	buf     *bufio.Writer
	enc     *json.Encoder
	path    string
	written int
}

// NewTraceWriter opens <baseDir>/runs/<runID>/trace.jsonl, truncating it
// unless appendMode is set.
func NewTraceWriter(baseDir, runID string, appendMode bool) (*TraceWriter, error) {
	if err := os.MkdirAll(runDir(baseDir, runID), 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}

	path := tracePath(baseDir, runID)
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	buf := bufio.NewWriterSize(file, traceBufferSize)
	return &TraceWriter{
		file: file,
		buf:  buf,
		enc:  json.NewEncoder(buf),
		path: path,
	}, nil
}

// Write buffers one entry. An entry that cannot be encoded (NaN, Inf) is
// rejected without touching the file.
func (tw *TraceWriter) Write(entry TraceEntry) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.enc.Encode(entry); err != nil {
		return fmt.Errorf("failed to write trace entry %d: %w", entry.Iteration, err)
	}
	tw.written++
	return nil
}

// Written returns the number of entries accepted so far.
func (tw *TraceWriter) Written() int {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.written
}

// Progress returns a descent observer that records every iteration.
// Write failures are logged and do not stop the descent.
func (tw *TraceWriter) Progress(withPoint bool) opt.ProgressFunc {
	return func(p opt.Progress) error {
		if err := tw.Write(NewTraceEntry(p, withPoint)); err != nil {
			slog.Warn("Failed to write trace entry", "path", tw.path, "iteration", p.Iteration, "error", err)
		}
		return nil
	}
}

// Flush pushes buffered entries to disk.
func (tw *TraceWriter) Flush() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace: %w", err)
	}
	if err := tw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync trace: %w", err)
	}
	return nil
}

// Close flushes and closes the file. The file is closed even if the flush
// fails.
func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	flushErr := tw.buf.Flush()
	closeErr := tw.file.Close()
	if err := errors.Join(flushErr, closeErr); err != nil {
		return fmt.Errorf("failed to close trace: %w", err)
	}
	return nil
}

// Path returns the filesystem path to the trace file.
func (tw *TraceWriter) Path() string {
	return tw.path
}

// TraceReader decodes the entries of a trace.jsonl in order.
type TraceReader struct {
	file *os.File
	dec  *json.Decoder
}

// NewTraceReader opens the trace of the given run. A missing trace is
// reported as a *NotFoundError.
func NewTraceReader(baseDir, runID string) (*TraceReader, error) {
	file, err := os.Open(tracePath(baseDir, runID))
	if os.IsNotExist(err) {
		return nil, &NotFoundError{RunID: runID}
	} else if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	return &TraceReader{
		file: file,
		dec:  json.NewDecoder(bufio.NewReader(file)),
	}, nil
}

// Read returns the next entry, or io.EOF after the last one.
func (tr *TraceReader) Read() (*TraceEntry, error) {
	var entry TraceEntry
	if err := tr.dec.Decode(&entry); err == io.EOF {
		return nil, io.EOF
	} else if err != nil {
		return nil, fmt.Errorf("failed to decode trace entry: %w", err)
	}
	return &entry, nil
}

// ReadAll returns the remaining entries.
func (tr *TraceReader) ReadAll() ([]TraceEntry, error) {
	var entries []TraceEntry
	for {
		entry, err := tr.Read()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
}

// Close closes the underlying file.
func (tr *TraceReader) Close() error {
	return tr.file.Close()
}

// DeleteTrace removes the trace of the given run. A missing trace is not an
// error.
func DeleteTrace(baseDir, runID string) error {
	if err := os.Remove(tracePath(baseDir, runID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete trace file: %w", err)
	}
	return nil
}

func tracePath(baseDir, runID string) string {
	return filepath.Join(runDir(baseDir, runID), traceFile)
}
