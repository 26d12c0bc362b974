package trafficlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestMemorySink_RecordsInOrder(t *testing.T) {
	sink := NewMemorySink()

	sink.Write(Event{Action: ALLOW, Host: "a.example.com", Reason: "HostMatch"})
	sink.Write(Event{Action: BLOCK, Host: "b.example.com", Reason: "PathNotAllowed"})

	events := sink.All()
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].Host != "a.example.com" || events[1].Host != "b.example.com" {
		t.Errorf("events out of order: %+v", events)
	}
}

func TestFileSink_AppendsOneJSONObjectPerLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traffic.jsonl")

	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink() error = %v", err)
	}
	defer sink.Close()

	sink.Write(Event{Action: ALLOW, Host: "example.com", Path: "/", Method: "GET", Mode: "enforce", Reason: "HostMatch"})
	sink.Write(Event{Action: BLOCK, Host: "other.com", Path: "/admin", Method: "POST", Mode: "enforce", Reason: "PathNotAllowed"})

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to reopen traffic log: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("len(lines) = %d, want 2", len(lines))
	}

	var first Event
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("line 0 is not valid JSON: %v", err)
	}
	if first.Host != "example.com" || first.Action != ALLOW {
		t.Errorf("first event = %+v, want host=example.com action=ALLOW", first)
	}
}

func TestFileSink_AppendsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traffic.jsonl")

	first, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink() error = %v", err)
	}
	first.Write(Event{Host: "a.com"})
	first.Close()

	second, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink() error = %v", err)
	}
	second.Write(Event{Host: "b.com"})
	second.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read traffic log: %v", err)
	}

	lineCount := 0
	for _, b := range data {
		if b == '\n' {
			lineCount++
		}
	}
	if lineCount != 2 {
		t.Errorf("lineCount = %d, want 2", lineCount)
	}
}
