// Package conversation holds the ordered message log of one session.
package conversation

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var (
	// ErrUnknownRole is returned when appending a message whose role is neither user nor assistant.
	ErrUnknownRole = errors.New("conversation: unknown role")
	// ErrImagesOnAssistant is returned when an assistant message carries images.
	ErrImagesOnAssistant = errors.New("conversation: images are only allowed on user messages")
)

// Message is one immutable entry of the conversation log.
type Message struct {
	Role      Role
	Content   string
	Images    [][]byte
	CreatedAt time.Time
}

// UserMessage builds a user message with optional raw image attachments.
func UserMessage(text string, images [][]byte) Message {
	return Message{Role: RoleUser, Content: text, Images: images}
}

// AssistantMessage builds an assistant message.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

func (m Message) validate() error {
	switch m.Role {
	case RoleUser:
		return nil
	case RoleAssistant:
		if len(m.Images) > 0 {
			return ErrImagesOnAssistant
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRole, m.Role)
	}
}

func (m Message) clone() Message {
	out := m
	if len(m.Images) > 0 {
		out.Images = make([][]byte, len(m.Images))
		for i, img := range m.Images {
			out.Images[i] = append([]byte(nil), img...)
		}
	}
	return out
}

// Store is an append-only, mutex-guarded message log.
type Store struct {
	mu       sync.RWMutex
	messages []Message
	now      func() time.Time
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{now: time.Now}
}

// Append validates and appends msgs as one batch: either every message is
// appended, in order, or none is.
func (s *Store) Append(msgs ...Message) error {
	for _, msg := range msgs {
		if err := msg.validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		stored := msg.clone()
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = s.now()
		}
		s.messages = append(s.messages, stored)
	}
	return nil
}

// Messages returns a deep copy of the log in chronological order.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	for i, msg := range s.messages {
		out[i] = msg.clone()
	}
	return out
}

// Len reports the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
