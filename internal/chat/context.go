package chat

import (
	"strings"

	"StudyChat/internal/gemini"
	"StudyChat/internal/session"
)

// historyWindow is the number of trailing live messages offered as context.
const historyWindow = 10

// SystemPrompt is the fixed instruction sent with every completion request.
const SystemPrompt = "You are a friendly and patient study assistant. " +
	"Answer the student's questions clearly and concisely, explain concepts " +
	"step by step, and encourage them to keep learning. If you are not sure " +
	"about something, say so instead of guessing."

// BuildContext assembles the outbound conversation: the last messages of
// history followed by the new question as the final user entry. The greeting
// message is UI-only and never included. The question is never duplicated,
// even when it already sits at the tail of history. Pure: history must be a
// snapshot, and it is not mutated.
func BuildContext(history []session.Message, question string) []gemini.Content {
	question = strings.TrimSpace(question)

	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}

	entries := make([]gemini.Content, 0, len(history)+1)
	for _, msg := range history {
		if session.IsGreeting(msg) {
			continue
		}
		entries = append(entries, gemini.TextContent(msg.Role, msg.Content))
	}

	// Drop a trailing copy of the question before appending it once.
	if n := len(entries); n > 0 {
		last := entries[n-1]
		if last.Role == session.RoleUser && len(last.Parts) == 1 && last.Parts[0].Text == question {
			entries = entries[:n-1]
		}
	}

	return append(entries, gemini.TextContent(session.RoleUser, question))
}
