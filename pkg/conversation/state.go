// Package conversation holds the running dialogue fed to the response
// generator. The system prompt is fixed at index 0 and turns are only ever
// appended.
package conversation

import "sync"

// Role tags a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged entry.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// State is safe for concurrent use.
type State struct {
	mu       sync.RWMutex
	messages []Message
}

// NewState starts a conversation with its single system message.
func NewState(systemPrompt string) *State {
	return &State{messages: []Message{{Role: RoleSystem, Content: systemPrompt}}}
}

func (s *State) AddUser(text string) {
	s.add(RoleUser, text)
}

func (s *State) AddAssistant(text string) {
	s.add(RoleAssistant, text)
}

func (s *State) add(role Role, text string) {
	s.mu.Lock()
	s.messages = append(s.messages, Message{Role: role, Content: text})
	s.mu.Unlock()
}

// Messages returns a snapshot; mutating it does not affect the state.
func (s *State) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages, system prompt included.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// SystemPrompt returns the content of message 0.
func (s *State) SystemPrompt() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messages[0].Content
}

// Last returns the most recent message.
func (s *State) Last() Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messages[len(s.messages)-1]
}

// Count returns how many messages carry role.
func (s *State) Count(role Role) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.messages {
		if m.Role == role {
			n++
		}
	}
	return n
}
