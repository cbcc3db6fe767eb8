// Package recording implements the Recording Store (C3): reading back the
// append-only asciicast v2 log a Session writes to stream-out, including
// the blocking tail used by the HTTP/SSE surface and the Session Registry's
// startup reconstruction.
package recording

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sessionforge/sessiond/pkg/session/protocol"
)

// Event is a decoded [t, kind, data] line.
type Event struct {
	Time float64
	Kind string
	Data json.RawMessage
}

// ParseHeader reads and decodes the first line of a recording.
func ParseHeader(path string) (*protocol.AsciinemaHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("recording has no header line")
	}

	var header protocol.AsciinemaHeader
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	return &header, nil
}

// LastEvent scans the full recording and returns its final event line, or
// ok=false if the recording has no events yet (only a header).
func LastEvent(path string) (ev Event, ok bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return Event{}, false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue // skip header
		}
		e, perr := decodeEvent(scanner.Bytes())
		if perr != nil {
			continue
		}
		ev = e
		ok = true
	}
	if err := scanner.Err(); err != nil {
		return Event{}, false, err
	}
	return ev, ok, nil
}

// DecodeEvent parses a [t, kind, data] line. The terminal event is
// irregular on the wire — ["exit", "<code>", ""] — with the literal
// string "exit" in the timestamp slot instead of a float, so that shape is
// special-cased: Kind is set to "exit" and Data holds the exit code string.
func DecodeEvent(line []byte) (Event, error) {
	return decodeEvent(line)
}

func decodeEvent(line []byte) (Event, error) {
	var raw [3]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return Event{}, err
	}

	var t float64
	if err := json.Unmarshal(raw[0], &t); err != nil {
		var tag string
		if jerr := json.Unmarshal(raw[0], &tag); jerr == nil && tag == "exit" {
			return Event{Time: -1, Kind: "exit", Data: raw[1]}, nil
		}
		return Event{}, err
	}

	var kind string
	if err := json.Unmarshal(raw[1], &kind); err != nil {
		return Event{}, err
	}
	return Event{Time: t, Kind: kind, Data: raw[2]}, nil
}

// Snapshot returns the current contents of the recording file verbatim.
func Snapshot(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Export re-emits a self-contained cast file: the original header with
// duration populated, followed by every event unchanged. All events are
// preserved verbatim per the round-trip requirement.
func Export(path string, duration float64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !scanner.Scan() {
		return nil, fmt.Errorf("recording has no header line")
	}

	var header protocol.AsciinemaHeader
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}

	out := struct {
		protocol.AsciinemaHeader
		Duration float64 `json:"duration"`
	}{AsciinemaHeader: header, Duration: duration}

	headerLine, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}

	var result []byte
	result = append(result, headerLine...)
	result = append(result, '\n')

	for scanner.Scan() {
		result = append(result, scanner.Bytes()...)
		result = append(result, '\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// OpenReplay streams bytes from path starting at fromOffset, blocking for
// new bytes at EOF rather than returning, until ctx is cancelled or an
// "exit" event has been read and forwarded. Callers read the returned
// io.ReadCloser until it returns io.EOF (after the exit event, or when the
// file watcher closes), ctx.Err() (cancellation) or another error. After
// 15s without new bytes Read returns 0, nil so the caller can heartbeat.
func OpenReplay(ctx context.Context, path string, fromOffset int64) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if fromOffset > 0 {
		if _, err := f.Seek(fromOffset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		f.Close()
		return nil, err
	}

	r := &replayReader{ctx: ctx, f: f, watcher: watcher}
	return r, nil
}

// replayReader implements io.ReadCloser, blocking on fsnotify Write events
// when the underlying file is at EOF instead of returning io.EOF, and
// stopping for good once it has observed an "exit" event line.
type replayReader struct {
	ctx     context.Context
	f       *os.File
	watcher *fsnotify.Watcher
	buf     []byte
	done    bool
}

func (r *replayReader) Read(p []byte) (int, error) {
	for {
		n, err := r.f.Read(p)
		if n > 0 {
			r.scanForExit(p[:n])
			return n, nil
		}
		if err != nil && err != io.EOF {
			return 0, err
		}
		if r.done {
			return 0, io.EOF
		}

		select {
		case <-r.ctx.Done():
			return 0, r.ctx.Err()
		case _, ok := <-r.watcher.Events:
			if !ok {
				return 0, io.EOF
			}
			continue
		case <-time.After(15 * time.Second):
			// Let the caller emit a heartbeat; no bytes were produced.
			return 0, nil
		case _, ok := <-r.watcher.Errors:
			if !ok {
				return 0, io.EOF
			}
			continue
		}
	}
}

func (r *replayReader) scanForExit(chunk []byte) {
	r.buf = append(r.buf, chunk...)
	for {
		idx := indexByte(r.buf, '\n')
		if idx < 0 {
			break
		}
		line := r.buf[:idx]
		r.buf = r.buf[idx+1:]
		if e, err := decodeEvent(line); err == nil && e.Kind == "exit" {
			r.done = true
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func (r *replayReader) Close() error {
	r.watcher.Close()
	return r.f.Close()
}
