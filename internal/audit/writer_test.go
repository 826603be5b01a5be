package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MEKXH/ccapproval/internal/approval"
	"github.com/MEKXH/ccapproval/internal/bus"
)

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open audit file error: %v", err)
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			t.Fatalf("unmarshal line error: %v", err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan audit file error: %v", err)
	}
	return events
}

func TestWriter_AppendEvent(t *testing.T) {
	dataDir := t.TempDir()
	writer := NewWriter(dataDir)

	firstTime := time.Date(2026, 2, 15, 8, 0, 0, 0, time.UTC)
	if err := writer.Append(Event{
		Time:       firstTime,
		Type:       TypeResolved,
		RequestID:  "req-1",
		ApprovalID: "a-1",
		Tool:       "Bash",
		Result:     "approved",
		DecidedBy:  "U1",
	}); err != nil {
		t.Fatalf("Append first event error: %v", err)
	}
	if err := writer.Append(Event{Time: firstTime.Add(time.Second), Type: TypeBypassed, Tool: "Read"}); err != nil {
		t.Fatalf("Append second event error: %v", err)
	}

	events := readEvents(t, filepath.Join(dataDir, "audit.jsonl"))
	if len(events) != 2 {
		t.Fatalf("expected 2 jsonl lines, got %d", len(events))
	}
	first := events[0]
	if !first.Time.Equal(firstTime) {
		t.Fatalf("expected first time %s, got %s", firstTime, first.Time)
	}
	if first.Type != TypeResolved || first.ApprovalID != "a-1" || first.DecidedBy != "U1" {
		t.Fatalf("unexpected first event: %+v", first)
	}
	if events[1].Type != TypeBypassed || events[1].Tool != "Read" {
		t.Fatalf("unexpected second event: %+v", events[1])
	}
}

func TestWriter_Recorder(t *testing.T) {
	dataDir := t.TempDir()
	writer := NewWriter(dataDir)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	writer.now = func() time.Time { return fixed }

	var recorder approval.Recorder = writer
	ctx := bus.WithRequestID(context.Background(), "req-9")
	recorder.Resolved(ctx, approval.Request{
		ID:         "a-9",
		ToolName:   "Bash",
		Status:     approval.StatusRejected,
		DecidedBy:  "U2",
		DecidedVia: "Slack",
		Reason:     "unsafe",
	}, 1500*time.Millisecond)
	recorder.Bypassed(ctx, "Read")

	events := readEvents(t, writer.Path())
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	resolved := events[0]
	if resolved.RequestID != "req-9" || resolved.Result != "rejected" || resolved.WaitMS != 1500 {
		t.Fatalf("unexpected resolved event: %+v", resolved)
	}
	if resolved.DecidedVia != "Slack" || resolved.Reason != "unsafe" || !resolved.Time.Equal(fixed) {
		t.Fatalf("unexpected resolved event: %+v", resolved)
	}
	if events[1].Type != TypeBypassed || events[1].Result != "allow" {
		t.Fatalf("unexpected bypass event: %+v", events[1])
	}
}

func TestWriter_AppendEvent_MkdirAllFailure(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "data")
	if err := os.WriteFile(blocker, []byte("not-a-dir"), 0644); err != nil {
		t.Fatalf("WriteFile blocker error: %v", err)
	}

	writer := NewWriter(filepath.Join(blocker, "nested"))
	err := writer.Append(Event{Time: time.Now().UTC(), Type: TypeBypassed})
	if err == nil {
		t.Fatal("expected append error when data path is a file")
	}
}

func TestWriter_AppendEvent_Concurrent(t *testing.T) {
	writer := NewWriter(t.TempDir())

	const total = 20
	var wg sync.WaitGroup
	errCh := make(chan error, total)
	wg.Add(total)
	for i := 0; i < total; i++ {
		go func() {
			defer wg.Done()
			if err := writer.Append(Event{
				Time:       time.Date(2026, 2, 15, 9, 0, i, 0, time.UTC),
				Type:       TypeResolved,
				ApprovalID: fmt.Sprintf("a-%d", i),
				Tool:       "Bash",
				Result:     "approved",
			}); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("append failed in concurrent path: %v", err)
	}

	if count := len(readEvents(t, writer.Path())); count != total {
		t.Fatalf("expected %d lines, got %d", total, count)
	}
}
