package stream

import (
	"strings"
	"testing"
)

func scanAll(t *testing.T, input string) []sseEvent {
	t.Helper()
	sc := newScanner(strings.NewReader(input))
	var out []sseEvent
	for sc.next() {
		out = append(out, sc.event())
	}
	return out
}

func TestScannerParsesFrames(t *testing.T) {
	input := "event: connected\ndata: {\"device_id\":\"dev-1\"}\n\n" +
		"id: 7\nevent: command\ndata: {\"id\":\"cmd-1\"}\n\n"

	got := scanAll(t, input)
	if len(got) != 2 {
		t.Fatalf("events = %d, want 2", len(got))
	}
	if got[0].Type != "connected" || got[0].Data != `{"device_id":"dev-1"}` {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].ID != "7" || got[1].Type != "command" || got[1].Data != `{"id":"cmd-1"}` {
		t.Errorf("second = %+v", got[1])
	}
}

func TestScannerSurfacesKeepalives(t *testing.T) {
	input := ": keepalive\n\nid: 1\nevent: command\ndata: {}\n\n"

	got := scanAll(t, input)
	if len(got) != 2 {
		t.Fatalf("events = %d, want 2", len(got))
	}
	if !got[0].Comment {
		t.Error("keepalive not surfaced as comment frame")
	}
	if got[1].ID != "1" || got[1].Type != "command" {
		t.Errorf("command after keepalive = %+v", got[1])
	}
}

func TestScannerCommentInsideEventIsSkipped(t *testing.T) {
	input := "event: command\n: interleaved\ndata: {}\n\n"

	got := scanAll(t, input)
	if len(got) != 1 || got[0].Type != "command" || got[0].Data != "{}" {
		t.Errorf("events = %+v", got)
	}
}

func TestScannerJoinsMultilineData(t *testing.T) {
	got := scanAll(t, "data: line1\ndata: line2\n\n")
	if len(got) != 1 || got[0].Data != "line1\nline2" {
		t.Errorf("events = %+v", got)
	}
}

func TestScannerHandlesCRLF(t *testing.T) {
	got := scanAll(t, "event: x\r\ndata: y\r\n\r\n")
	if len(got) != 1 || got[0].Type != "x" || got[0].Data != "y" {
		t.Errorf("events = %+v", got)
	}
}

func TestScannerEmitsPartialFinalEvent(t *testing.T) {
	// Stream cut mid-event: no trailing blank line before EOF.
	got := scanAll(t, "id: 3\nevent: command\ndata: {}")
	if len(got) != 1 || got[0].ID != "3" {
		t.Errorf("events = %+v", got)
	}
}

func TestScannerIgnoresUnknownFields(t *testing.T) {
	got := scanAll(t, "retry: 3000\nevent: e\ndata: d\n\n")
	if len(got) != 1 || got[0].Type != "e" || got[0].Data != "d" {
		t.Errorf("events = %+v", got)
	}
}

func TestScannerSkipsEmptyBlocks(t *testing.T) {
	got := scanAll(t, "\n\n\nevent: e\ndata: d\n\n\n\n")
	if len(got) != 1 {
		t.Errorf("events = %+v", got)
	}
}
