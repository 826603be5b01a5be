package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MEKXH/ccapproval/internal/approval"
	"github.com/MEKXH/ccapproval/internal/bus"
)

const (
	auditFileMode = 0600
	auditDirMode  = 0700

	// FileName is the audit log inside the data directory.
	FileName = "audit.jsonl"
)

const (
	TypeResolved = "approval.resolved"
	TypeBypassed = "approval.bypassed"
)

// Event is one audit record written as a single JSON line.
type Event struct {
	Time       time.Time `json:"time"`
	Type       string    `json:"type"`
	RequestID  string    `json:"request_id,omitempty"`
	ApprovalID string    `json:"approval_id,omitempty"`
	Tool       string    `json:"tool,omitempty"`
	Result     string    `json:"result,omitempty"`
	DecidedBy  string    `json:"decided_by,omitempty"`
	DecidedVia string    `json:"decided_via,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	WaitMS     int64     `json:"wait_ms,omitempty"`
}

// Writer appends audit events to <data_dir>/audit.jsonl.
type Writer struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewWriter creates an append-only audit writer in dataDir.
func NewWriter(dataDir string) *Writer {
	return &Writer{
		path: filepath.Join(dataDir, FileName),
		now:  time.Now,
	}
}

// Path returns the audit file location.
func (w *Writer) Path() string {
	return w.path
}

// Append writes one event as one JSONL line.
func (w *Writer) Append(event Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), auditDirMode); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, auditFileMode)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	encoded = append(encoded, '\n')

	if _, err := file.Write(encoded); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync audit file: %w", err)
	}
	return nil
}

// Resolved records the terminal outcome of an approval request.
func (w *Writer) Resolved(ctx context.Context, req approval.Request, wait time.Duration) {
	requestID := req.RequestID
	if requestID == "" {
		requestID = bus.RequestIDFromContext(ctx)
	}
	w.append(Event{
		Time:       w.now().UTC(),
		Type:       TypeResolved,
		RequestID:  requestID,
		ApprovalID: req.ID,
		Tool:       req.ToolName,
		Result:     string(req.Status),
		DecidedBy:  req.DecidedBy,
		DecidedVia: req.DecidedVia,
		Reason:     req.Reason,
		WaitMS:     wait.Milliseconds(),
	})
}

// Bypassed records a tool call the policy let through without a human.
func (w *Writer) Bypassed(ctx context.Context, toolName string) {
	w.append(Event{
		Time:      w.now().UTC(),
		Type:      TypeBypassed,
		RequestID: bus.RequestIDFromContext(ctx),
		Tool:      toolName,
		Result:    string(approval.BehaviorAllow),
	})
}

func (w *Writer) append(event Event) {
	if err := w.Append(event); err != nil {
		slog.Warn("write audit event failed", "type", event.Type, "error", err)
	}
}
