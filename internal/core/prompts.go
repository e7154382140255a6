package core

// prompts.go assembles the message sequence sent to the completion API.
// The persona text itself lives in the persona catalogue.

import (
	"ivf-companion/internal/llm"
	"ivf-companion/pkg"
)

// DefaultHistoryWindow is how many prior turns accompany each request.
const DefaultHistoryWindow = 5

// PromptRequest is built fresh for every turn and never stored.
type PromptRequest struct {
	SystemMessage  string
	HistoryWindow  []pkg.Turn
	NewUserMessage string
}

// BuildPrompt takes the last k turns of state, captured before the new user
// turn is appended.
func BuildPrompt(systemPrompt string, state *ConversationState, k int, userMessage string) PromptRequest {
	return PromptRequest{
		SystemMessage:  systemPrompt,
		HistoryWindow:  state.Window(k),
		NewUserMessage: userMessage,
	}
}

// Messages flattens the request: one system message, the history window,
// then the new user message.
func (p PromptRequest) Messages() []llm.Message {
	msgs := make([]llm.Message, 0, len(p.HistoryWindow)+2)
	msgs = append(msgs, llm.Message{Role: string(pkg.RoleSystem), Content: p.SystemMessage})
	for _, t := range p.HistoryWindow {
		msgs = append(msgs, llm.Message{Role: string(t.Role), Content: t.Content})
	}
	return append(msgs, llm.Message{Role: string(pkg.RoleUser), Content: p.NewUserMessage})
}
