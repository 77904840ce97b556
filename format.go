package durable

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/ryanuber/columnize"
)

// FormatHistory writes events as an aligned table, one event per line.
// Failures are red, decisions blue and closing events green. Color is only
// emitted when the process writes to a terminal.
func FormatHistory(w io.Writer, events []*HistoryEvent) error {
	lines := make([]string, 0, len(events)+1)
	lines = append(lines, "ID|Time|Type|Seq|Name|Details")
	for _, e := range events {
		seq := ""
		if e.SeqID != 0 {
			seq = fmt.Sprintf("%d", e.SeqID)
		}
		lines = append(lines, fmt.Sprintf("%d|%s|%s|%s|%s|%s",
			e.ID, e.Timestamp.UTC().Format("15:04:05.000"), e.Type, seq, e.Name, eventDetails(e)))
	}
	rows := strings.Split(columnize.SimpleFormat(lines), "\n")
	for i, row := range rows {
		var line string
		switch {
		case i == 0:
			line = color.New(color.Bold).Sprint(row)
		case i > len(events):
			line = row
		default:
			line = eventColor(events[i-1]).Sprint(row)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func eventColor(e *HistoryEvent) *color.Color {
	switch {
	case e.Failure != nil, e.Type == EventDecisionTaskFailed, e.Type == EventDecisionTaskTimedOut:
		return color.New(color.FgRed)
	case e.Type.IsClosing():
		return color.New(color.FgGreen)
	case e.Type == EventDecisionTaskStarted, e.Type == EventDecisionTaskCompleted:
		return color.New(color.FgBlue)
	case e.Type == EventWorkflowExecutionSignaled:
		return color.New(color.FgMagenta)
	}
	return color.New(color.Reset)
}

func eventDetails(e *HistoryEvent) string {
	var parts []string
	if e.Failure != nil {
		parts = append(parts, "failure="+e.Failure.Error())
	}
	if e.Cause != "" {
		parts = append(parts, "cause="+e.Cause)
	}
	if e.Duration != 0 {
		parts = append(parts, "duration="+e.Duration.String())
	}
	if e.Attempt > 1 {
		parts = append(parts, fmt.Sprintf("attempt=%d", e.Attempt))
	}
	if e.Execution != nil {
		parts = append(parts, "execution="+e.Execution.String())
	}
	if len(e.Payload) > 0 {
		p := e.Payload.String()
		if len(p) > 60 {
			p = p[:57] + "..."
		}
		parts = append(parts, "payload="+p)
	}
	// columnize treats | as its delimiter.
	return strings.ReplaceAll(strings.Join(parts, " "), "|", "/")
}
