package rich

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/claude-host/claude-host/internal/errdefs"
)

// maxLogLine bounds one persisted event line; matches the agent read buffer.
const maxLogLine = 10 * 1024 * 1024

// Store persists rich session event logs as newline-delimited JSON, one
// file per session under the data directory. The file holds the agent's
// wire schema verbatim; the agent session identifier is re-sniffed from
// the events on load.
type Store struct {
	dataDir string
}

// NewStore creates the data directory if needed.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create rich data dir: %v", errdefs.ErrIoFailure, err)
	}
	return &Store{dataDir: dataDir}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dataDir, name+".ndjson")
}

// Save writes the full event log atomically (write temp, rename).
func (s *Store) Save(name string, events []Event) error {
	var buf bytes.Buffer
	for _, ev := range events {
		buf.Write(ev.Raw)
		buf.WriteByte('\n')
	}

	tmp := s.path(name) + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("%w: write event log: %v", errdefs.ErrIoFailure, err)
	}
	if err := os.Rename(tmp, s.path(name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename event log: %v", errdefs.ErrIoFailure, err)
	}
	return nil
}

// Load reads a session's event log. A missing file is an empty log, not an
// error.
func (s *Store) Load(name string) ([]Event, error) {
	f, err := os.Open(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: open event log: %v", errdefs.ErrIoFailure, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLogLine)

	var events []Event
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		events = append(events, parseEvent(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read event log: %v", errdefs.ErrIoFailure, err)
	}
	return events, nil
}

// Delete removes a session's durable log. Absent files are fine.
func (s *Store) Delete(name string) error {
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove event log: %v", errdefs.ErrIoFailure, err)
	}
	return nil
}
