package ami

import (
	"bufio"
	"fmt"
	"strings"
)

// Event is one parsed AMI frame: the "Key: Value" lines between two CRLF
// separators. Events are keyed by their "Event" field; action responses by
// "Response".
type Event map[string]string

// Name returns the value of the Event field, or "" for action responses.
func (e Event) Name() string {
	return e["Event"]
}

// Get returns the value for key, or "" when absent.
func (e Event) Get(key string) string {
	return e[key]
}

// readFrame reads one AMI frame from r. A frame is a sequence of
// "Key: Value" lines terminated by an empty line. Lines without a colon are
// ignored (Asterisk command output payloads).
func readFrame(r *bufio.Reader) (Event, error) {
	ev := make(Event)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("reading ami frame: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return ev, nil
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		ev[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
}
