package persona

import (
	"fmt"
	"strings"

	"github.com/bdobrica/Kizuna/internal/kizuna/llm"
	"github.com/bdobrica/Kizuna/internal/kizuna/memory"
	"github.com/bdobrica/Kizuna/internal/kizuna/protocol"
	"github.com/bdobrica/Kizuna/internal/kizuna/state"
)

// Assemble builds the system prompt for one turn: the character profile, the
// relationship as recorded in the session, the relevant long-term memory and
// the state marker contract. Recent turns are not part of the system prompt;
// see Conversation.
func Assemble(ch Character, sess state.Session, recall memory.Recall) string {
	var b strings.Builder

	if ch.Title != "" {
		fmt.Fprintf(&b, "You are %s, %s.\n", ch.Name, ch.Title)
	} else {
		fmt.Fprintf(&b, "You are %s.\n", ch.Name)
	}
	if ch.Description != "" {
		fmt.Fprintf(&b, "Background: %s\n", ch.Description)
	}
	if len(ch.Traits) > 0 {
		fmt.Fprintf(&b, "Traits: %s\n", strings.Join(ch.Traits, ", "))
	}
	if ch.SystemPrompt != "" {
		fmt.Fprintf(&b, "System Instructions: %s\n", ch.SystemPrompt)
	}

	fmt.Fprintf(&b, "\nRelationship: your affection toward the user is %d/100 (%s).\n",
		sess.AffectionScore, Mood(sess.AffectionScore))
	if len(sess.Tags) > 0 {
		fmt.Fprintf(&b, "Known about the user: %s\n", strings.Join(sess.Tags, ", "))
	}

	if block := memory.FormatFragments(recall.Relevant); block != "" {
		fmt.Fprintf(&b, "\nRelevant Memory:\n%s\n", block)
	}

	b.WriteString("\n")
	b.WriteString(protocol.Instructions())
	return b.String()
}

// Mood names the band an affection score falls into.
func Mood(score int) string {
	switch {
	case score < 20:
		return "cold"
	case score < 40:
		return "distant"
	case score < 60:
		return "neutral"
	case score < 80:
		return "warm"
	default:
		return "devoted"
	}
}

// Conversation returns the messages for a generation call: the character's
// few-shot examples, the recent turns oldest first and finally the user
// message being answered.
func Conversation(ch Character, recent []memory.Turn, userMessage string) []llm.Message {
	msgs := make([]llm.Message, 0, 2*len(ch.Examples)+len(recent)+1)
	for _, ex := range ch.Examples {
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: ex.User},
			llm.Message{Role: llm.RoleAssistant, Content: ex.Character},
		)
	}
	for _, t := range recent {
		role := llm.RoleUser
		if t.Role == memory.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Content})
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: userMessage})
}
