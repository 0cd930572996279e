// Package recording writes terminal sessions as asciinema v2 casts.
package recording

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event types of the asciinema v2 format.
const (
	EventOutput = "o"
	EventInput  = "i"
	EventResize = "r"
)

// Header is the first line of an asciinema v2 recording.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is a single event line: [time_offset, event_type, data].
type Event struct {
	TimeOffset float64
	Type       string
	Data       string
}

// MarshalJSON encodes the event as a three element array.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.TimeOffset, e.Type, e.Data})
}

// UnmarshalJSON decodes a three element array.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []interface{}
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event format: expected 3 elements, got %d", len(arr))
	}

	offset, ok := arr[0].(float64)
	if !ok {
		return fmt.Errorf("invalid time offset type")
	}
	typ, ok := arr[1].(string)
	if !ok {
		return fmt.Errorf("invalid event type")
	}
	payload, ok := arr[2].(string)
	if !ok {
		return fmt.Errorf("invalid event data type")
	}

	e.TimeOffset, e.Type, e.Data = offset, typ, payload
	return nil
}

// Recorder appends session events to a cast. It is safe for concurrent use;
// writes after Close are dropped.
type Recorder struct {
	writer    io.Writer
	file      *os.File // only set if we own the file
	path      string
	startTime time.Time
	closed    bool
	mu        sync.Mutex
}

// Create opens <dir>/<sessionID>.cast and writes the header.
func Create(dir, sessionID string, cols, rows uint16, env map[string]string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}

	path := filepath.Join(dir, sessionID+".cast")
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}

	r := &Recorder{writer: file, file: file, path: path, startTime: time.Now()}
	if err := r.writeHeader(cols, rows, sessionID, env); err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

// NewWithWriter creates a Recorder on top of w and writes the header.
func NewWithWriter(w io.Writer, cols, rows uint16) (*Recorder, error) {
	r := &Recorder{writer: w, startTime: time.Now()}
	if err := r.writeHeader(cols, rows, "", nil); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the file path of the cast, empty for writer-backed recorders.
func (r *Recorder) Path() string {
	return r.path
}

func (r *Recorder) writeHeader(cols, rows uint16, title string, env map[string]string) error {
	header := Header{
		Version:   2,
		Width:     int(cols),
		Height:    int(rows),
		Timestamp: r.startTime.Unix(),
		Title:     title,
		Env:       env,
	}

	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if _, err := r.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// Output records bytes the shell produced.
func (r *Recorder) Output(data []byte) error {
	return r.writeEvent(EventOutput, string(data))
}

// Input records bytes the client typed.
func (r *Recorder) Input(data []byte) error {
	return r.writeEvent(EventInput, string(data))
}

// Resize records a geometry change as "COLSxROWS".
func (r *Recorder) Resize(cols, rows uint16) error {
	return r.writeEvent(EventResize, fmt.Sprintf("%dx%d", cols, rows))
}

func (r *Recorder) writeEvent(typ, data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}

	line, err := json.Marshal(Event{
		TimeOffset: time.Since(r.startTime).Seconds(),
		Type:       typ,
		Data:       data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := r.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Close closes the cast file. It is safe to call more than once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
