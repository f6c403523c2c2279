package chat

import (
	"fmt"
	"testing"

	"StudyChat/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildContextExcludesGreeting(t *testing.T) {
	history := []session.Message{
		session.Greeting(),
		session.NewUserMessage("what is photosynthesis?"),
		session.NewAssistantMessage("it is how plants make food"),
	}

	entries := BuildContext(history, "tell me more")
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.NotEqual(t, session.Greeting().Content, e.Parts[0].Text)
	}
	assert.Equal(t, "what is photosynthesis?", entries[0].Parts[0].Text)
	assert.Equal(t, session.RoleUser, entries[0].Role)
}

func TestBuildContextQuestionIsFinalEntryExactlyOnce(t *testing.T) {
	question := "what is osmosis?"
	history := []session.Message{
		session.NewUserMessage("hi"),
		session.NewAssistantMessage("hello"),
		session.NewUserMessage(question), // already appended to the live list
	}

	entries := BuildContext(history, question)
	require.Len(t, entries, 3)
	last := entries[len(entries)-1]
	assert.Equal(t, session.RoleUser, last.Role)
	assert.Equal(t, question, last.Parts[0].Text)

	count := 0
	for _, e := range entries {
		if e.Role == session.RoleUser && e.Parts[0].Text == question {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestBuildContextWindowsHistory(t *testing.T) {
	var history []session.Message
	for i := 0; i < 25; i++ {
		history = append(history, session.NewUserMessage(fmt.Sprintf("question %d", i)))
		history = append(history, session.NewAssistantMessage(fmt.Sprintf("answer %d", i)))
	}

	entries := BuildContext(history, "final question")
	// Last 10 history messages plus the new question.
	require.Len(t, entries, 11)
	assert.Equal(t, "answer 20", entries[0].Parts[0].Text)
	assert.Equal(t, "final question", entries[10].Parts[0].Text)
}

func TestBuildContextPreservesOrder(t *testing.T) {
	history := []session.Message{
		session.NewUserMessage("first"),
		session.NewAssistantMessage("second"),
		session.NewUserMessage("third"),
		session.NewAssistantMessage("fourth"),
	}

	entries := BuildContext(history, "fifth")
	require.Len(t, entries, 5)
	for i, want := range []string{"first", "second", "third", "fourth", "fifth"} {
		assert.Equal(t, want, entries[i].Parts[0].Text)
	}
}

func TestBuildContextTrimsQuestion(t *testing.T) {
	entries := BuildContext(nil, "  spaced out  ")
	require.Len(t, entries, 1)
	assert.Equal(t, "spaced out", entries[0].Parts[0].Text)
}

func TestBuildContextDoesNotMutateInput(t *testing.T) {
	history := []session.Message{
		session.Greeting(),
		session.NewUserMessage("keep me"),
	}
	before := make([]session.Message, len(history))
	copy(before, history)

	BuildContext(history, "new question")
	assert.Equal(t, before, history)
}
