// Package timeline persists the append-only JSON-Lines event log that
// is the run's source of truth for observability.
package timeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Record is one timeline entry. On disk it is a single JSON line of the
// form {"ts": <RFC 3339 UTC>, "event": <kind>, ...payload}.
type Record struct {
	TS      time.Time
	Event   string
	Payload map[string]any
}

// MarshalJSON flattens the payload next to ts and event.
func (r Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Payload)+2)
	for k, v := range r.Payload {
		if k == "ts" || k == "event" {
			continue
		}
		m[k] = v
	}
	m["ts"] = r.TS.UTC().Format(time.RFC3339Nano)
	m["event"] = r.Event
	return json.Marshal(m)
}

// UnmarshalJSON splits ts and event back out of the flattened line.
func (r *Record) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	tsRaw, _ := m["ts"].(string)
	ts, err := time.Parse(time.RFC3339Nano, tsRaw)
	if err != nil {
		return fmt.Errorf("invalid ts %q: %w", tsRaw, err)
	}
	event, _ := m["event"].(string)
	if event == "" {
		return fmt.Errorf("record has no event kind")
	}
	delete(m, "ts")
	delete(m, "event")
	r.TS = ts
	r.Event = event
	r.Payload = m
	return nil
}

// Writer appends records to the timeline file. Every append is flushed
// and fsynced before returning; downstream verifiers derive correctness
// from the log, so a reported write must survive a crash.
type Writer struct {
	file *os.File
	mu   sync.Mutex
}

// NewWriter opens (or creates) the timeline file for appending.
func NewWriter(path string) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open timeline: %w", err)
	}
	return &Writer{file: file}, nil
}

// Append writes one record as a single line and syncs it to disk.
func (w *Writer) Append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("failed to write timeline record: %w", err)
	}
	return w.file.Sync()
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Read loads all records from a timeline file. A trailing partial line
// (crash artifact) is ignored; everything before it must parse.
func Read(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			// A partial trailing line is tolerated; a corrupt line
			// followed by valid ones is not.
			if scanner.Scan() {
				return nil, fmt.Errorf("corrupt timeline line: %w", err)
			}
			break
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
