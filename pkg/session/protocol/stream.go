// Package protocol implements the asciicast v2 recording format: a header
// line followed by newline-delimited [time, kind, data] event lines. This
// implementation writes only "o" (output), "r" (resize), and "exit"
// events — it does not record "i" (input) events, the same restriction the
// upstream recording format this was adapted from imposes.
package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// AsciinemaHeader is the first line of a recording.
type AsciinemaHeader struct {
	Version   int               `json:"version"`
	Width     uint32            `json:"width"`
	Height    uint32            `json:"height"`
	Timestamp int64             `json:"timestamp,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Command   string            `json:"command,omitempty"`
	Title     string            `json:"title,omitempty"`
}

// event is the wire shape of a single [t, kind, data] line.
type event struct {
	t    float64
	kind string
	data interface{}
}

func (e event) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]interface{}{e.t, e.kind, e.data})
}

// exitEvent is the terminal event's wire shape. Unlike "o"/"r" events it is
// not [t, kind, data]: the first slot carries the literal string "exit"
// rather than a timestamp, the second carries the exit code as a decimal
// string, and the third is always empty. This matches the on-wire format
// of the recording tool this was adapted from.
type exitEvent struct {
	code string
}

func (e exitEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]string{"exit", e.code, ""})
}

// StreamWriter serializes a session's recording to an append-only file.
// Invariant: exactly one StreamWriter per session, matching the single
// writer requirement for the stream file.
type StreamWriter struct {
	mu      sync.Mutex
	w       io.WriteCloser
	start   time.Time
	header  *AsciinemaHeader
	closed  bool
	resized bool
}

// NewStreamWriter creates a writer over w (typically the session's
// stream-out file, opened for truncate-create). The header's timestamp is
// stamped with the current time if unset.
func NewStreamWriter(w io.WriteCloser, header *AsciinemaHeader) *StreamWriter {
	now := time.Now()
	if header.Timestamp == 0 {
		header.Timestamp = now.Unix()
	}
	return &StreamWriter{w: w, start: now, header: header}
}

// WriteHeader writes the asciicast header line. Must be called exactly
// once, before any event is written.
func (sw *StreamWriter) WriteHeader() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	data, err := json.Marshal(sw.header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	return sw.writeLine(data)
}

// WriteOutput records an "o" event: bytes the child process wrote to the
// PTY master.
func (sw *StreamWriter) WriteOutput(data []byte) error {
	return sw.writeEvent("o", string(data))
}

// WriteResize records an "r" event: the terminal was resized to cols x
// rows, encoded as asciicast's "<cols>x<rows>" string.
func (sw *StreamWriter) WriteResize(cols, rows uint32) error {
	return sw.writeEvent("r", fmt.Sprintf("%dx%d", cols, rows))
}

// WriteExit records the terminal "exit" event: ["exit", "<code>", ""].
// It is the last event ever written to a recording.
func (sw *StreamWriter) WriteExit(exitCode int) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.closed {
		return fmt.Errorf("stream writer closed")
	}

	line, err := json.Marshal(exitEvent{code: fmt.Sprintf("%d", exitCode)})
	if err != nil {
		return fmt.Errorf("marshal exit event: %w", err)
	}
	return sw.writeLine(line)
}

func (sw *StreamWriter) writeEvent(kind string, data interface{}) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.closed {
		return fmt.Errorf("stream writer closed")
	}

	e := event{t: time.Since(sw.start).Seconds(), kind: kind, data: data}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return sw.writeLine(line)
}

// writeLine appends a line and, for regular files, syncs it so a
// concurrent tailer (the Stream Multiplexer) observes it promptly.
// Caller must hold sw.mu.
func (sw *StreamWriter) writeLine(line []byte) error {
	if _, err := sw.w.Write(append(line, '\n')); err != nil {
		return err
	}
	if syncer, ok := sw.w.(interface{ Sync() error }); ok {
		_ = syncer.Sync()
	}
	return nil
}

// Close finalizes the recording.
func (sw *StreamWriter) Close() error {
	sw.mu.Lock()
	if sw.closed {
		sw.mu.Unlock()
		return nil
	}
	sw.closed = true
	sw.mu.Unlock()

	return sw.w.Close()
}
