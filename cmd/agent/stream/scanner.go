// Package stream consumes the control plane's SSE command feed:
// parsing frames, resuming with Last-Event-ID, and reconnecting with
// jittered backoff when the connection drops or goes quiet.
package stream

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is one parsed server-sent event. Comment frames (keepalives)
// carry no fields but still count as liveness.
type sseEvent struct {
	ID      string
	Type    string
	Data    string
	Comment bool
}

// sseScanner reads server-sent events off a response body. Events are
// blank-line delimited; data lines accumulate; comment lines surface as
// Comment frames so the consumer's watchdog sees keepalives.
type sseScanner struct {
	reader  *bufio.Reader
	current sseEvent
	err     error
}

func newScanner(r io.Reader) *sseScanner {
	return &sseScanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

// next advances to the next event, returning false at stream end.
func (s *sseScanner) next() bool {
	if s.err != nil {
		return false
	}
	s.current = sseEvent{}

	var dataLines []string
	var id, eventType string
	seenField := false

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			// A partial final event without its blank line still counts.
			if line != "" && seenField {
				s.emit(id, eventType, dataLines)
			}
			s.err = err
			return s.current != sseEvent{}
		}

		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if seenField {
				s.emit(id, eventType, dataLines)
				return true
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			if seenField {
				// Comment inside an event: skip the line, keep building.
				continue
			}
			// Standalone keepalive. Its trailing blank line is skipped on
			// the next call since nothing will have accumulated.
			s.current = sseEvent{Comment: true}
			return true
		}

		field, value, hasColon := strings.Cut(line, ":")
		if hasColon {
			value = strings.TrimPrefix(value, " ")
		} else {
			field, value = line, ""
		}

		switch field {
		case "id":
			id = value
			seenField = true
		case "event":
			eventType = value
			seenField = true
		case "data":
			dataLines = append(dataLines, value)
			seenField = true
		default:
			// Unknown fields are ignored.
		}
	}
}

func (s *sseScanner) emit(id, eventType string, dataLines []string) {
	s.current = sseEvent{
		ID:   id,
		Type: eventType,
		Data: strings.Join(dataLines, "\n"),
	}
}

// event returns the frame parsed by the last successful next.
func (s *sseScanner) event() sseEvent {
	return s.current
}
