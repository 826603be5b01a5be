package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxParameterChars bounds the serialized parameters shown in a message.
const MaxParameterChars = 500

// TruncationMarker is appended to parameter payloads cut at MaxParameterChars.
const TruncationMarker = "… (truncated)"

const (
	requestedHeader = "🔧 *Tool execution approval requested*"
	approvedHeader  = "✅ *Tool execution approved*"
	rejectedHeader  = "❌ *Tool execution rejected*"
)

// Outcome is the tag carried by a decision control.
type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeReject  Outcome = "reject"
)

// ParseOutcome decodes a control tag into the closed set of outcomes.
func ParseOutcome(tag string) (Outcome, error) {
	switch Outcome(strings.TrimSpace(tag)) {
	case OutcomeApprove:
		return OutcomeApprove, nil
	case OutcomeReject:
		return OutcomeReject, nil
	default:
		return "", fmt.Errorf("unknown decision outcome %q", tag)
	}
}

// Style is the visual emphasis of a control.
type Style string

const (
	StylePrimary Style = "primary"
	StyleDanger  Style = "danger"
)

// Control is a clickable decision element. Value is exactly the approval id.
type Control struct {
	Outcome Outcome
	Label   string
	Style   Style
	Value   string
}

// Message is platform-neutral notification content. Gateways render it.
type Message struct {
	Summary  string
	Body     string
	Controls []Control
}

// Decision describes a terminal human decision for DecisionMessage.
type Decision struct {
	ToolName   string
	Parameters any
	UserID     string
	Outcome    Outcome
	At         time.Time
	WorkingDir string
}

// DecisionControl builds the approve or reject control for an approval.
func DecisionControl(approvalID string, outcome Outcome) Control {
	if outcome == OutcomeApprove {
		return Control{Outcome: OutcomeApprove, Label: "✅ Approve", Style: StylePrimary, Value: approvalID}
	}
	return Control{Outcome: OutcomeReject, Label: "❌ Reject", Style: StyleDanger, Value: approvalID}
}

// RequestMessage renders the initial approval request with both controls.
func RequestMessage(toolName string, parameters any, approvalID, workingDir string) Message {
	var b strings.Builder
	b.WriteString(requestedHeader)
	b.WriteString("\n\n*Tool:* ")
	b.WriteString(toolName)
	if wd := strings.TrimSpace(workingDir); wd != "" {
		b.WriteString("\n*Working directory:* ")
		b.WriteString(wd)
	}
	b.WriteString("\n*Parameters:*\n")
	b.WriteString(codeBlock(FormatParameters(parameters)))

	return Message{
		Summary: "🔧 Tool execution approval requested: " + toolName,
		Body:    b.String(),
		Controls: []Control{
			DecisionControl(approvalID, OutcomeApprove),
			DecisionControl(approvalID, OutcomeReject),
		},
	}
}

// DecisionMessage renders the outcome of a decided request. Controls are
// omitted since they are single-use.
func DecisionMessage(d Decision) Message {
	header := rejectedHeader
	verb := "rejected"
	if d.Outcome == OutcomeApprove {
		header = approvedHeader
		verb = "approved"
	}
	at := d.At
	if at.IsZero() {
		at = time.Now()
	}

	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n\n*Tool:* ")
	b.WriteString(d.ToolName)
	if wd := strings.TrimSpace(d.WorkingDir); wd != "" {
		b.WriteString("\n*Working directory:* ")
		b.WriteString(wd)
	}
	b.WriteString("\n*Arguments:* ")
	b.WriteString(codeBlock(FormatParameters(d.Parameters)))
	fmt.Fprintf(&b, "\n*Decided by:* <@%s>", d.UserID)
	fmt.Fprintf(&b, "\n*Time:* %s", at.UTC().Format(time.RFC3339))

	return Message{
		Summary: fmt.Sprintf("Tool execution %s: %s", verb, d.ToolName),
		Body:    b.String(),
	}
}

// FormatParameters pretty-prints parameters as JSON and truncates the result.
func FormatParameters(parameters any) string {
	encoded, err := json.MarshalIndent(parameters, "", "  ")
	if err != nil {
		return Truncate(fmt.Sprintf("%v", parameters), MaxParameterChars)
	}
	return Truncate(string(encoded), MaxParameterChars)
}

// Truncate cuts s to at most limit runes and appends TruncationMarker when
// anything was removed.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + TruncationMarker
}

func codeBlock(text string) string {
	return "```" + text + "```"
}
