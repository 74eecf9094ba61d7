package relay

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"relaybot/internal/session"
	kit "relaybot/internal/transport"
)

// maxSummaryLen bounds the summary rendered into a chat message. The hook
// client truncates before sending; this is the server-side backstop for
// callers that don't.
const maxSummaryLen = 500

func statusLine(status string) string {
	switch status {
	case StatusCompleted:
		return "✅ Task completed"
	case StatusPermission:
		return "\U0001F510 Permission needed"
	case StatusIdle:
		return "⏳ Waiting for input"
	}
	return "\U0001F4CB Notification"
}

// formatNotification renders the outbound chat message for a session.
func formatNotification(s *session.Session, status string, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\U0001F916 Session #%s\n\n", s.ShortID())
	if s.CWD != "" {
		fmt.Fprintf(&b, "\U0001F4C1 %s\n", s.CWD)
	}
	fmt.Fprintf(&b, "⏱ %s\n\n", now.Format("2006-01-02 15:04"))
	b.WriteString(strings.Repeat("━", 20))
	b.WriteString("\n\n")
	b.WriteString(statusLine(status))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "\U0001F4CB Summary:\n%s\n\n", truncate(s.Summary, maxSummaryLen))
	b.WriteString("\U0001F4AC Reply to this message to continue, or use the buttons")
	return b.String()
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "…"
}

// keyboardFor builds the inline keyboard: one row per custom button, or
// the default continue/done/cancel row with a detail row beneath it.
func keyboardFor(buttons []string) [][]kit.Button {
	if len(buttons) > 0 {
		rows := make([][]kit.Button, 0, len(buttons))
		for _, label := range buttons {
			rows = append(rows, []kit.Button{{Text: label, Data: callbackButtonPrefix + label}})
		}
		return rows
	}
	return [][]kit.Button{
		{
			{Text: "Continue", Data: callbackActionPrefix + string(session.ActionContinue)},
			{Text: "Done", Data: callbackActionPrefix + string(session.ActionDone)},
			{Text: "Cancel", Data: callbackActionPrefix + string(session.ActionCancel)},
		},
		{
			{Text: "Detail", Data: callbackDetail},
		},
	}
}

// formatDetail renders the on-demand session info behind the detail button.
func formatDetail(s *session.Session) string {
	return fmt.Sprintf("\U0001F4CB Session: %s\n\U0001F4C1 %s\n⏱ Created: %s",
		s.ID, s.CWD, s.CreatedAt.Format("2006-01-02 15:04:05"))
}

// formatWaiting renders the /status command response.
func formatWaiting(sessions []session.Session) string {
	if len(sessions) == 0 {
		return "✅ No sessions waiting for a reply"
	}
	var b strings.Builder
	b.WriteString("\U0001F4CB Waiting sessions:\n")
	for i := range sessions {
		s := &sessions[i]
		fmt.Fprintf(&b, "\n• #%s - %s", s.ShortID(), s.CWD)
	}
	return b.String()
}
