package chat

import (
	"context"
	"sync"

	"github.com/Vovarama1992/dashboard-chat/internal/clock"
)

// MemoryStore keeps conversations in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	records map[string]Conversation
	// creation order per owner, newest last
	owners map[string][]string
}

var _ ConversationStore = (*MemoryStore)(nil)

func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.Real{}
	}
	return &MemoryStore{
		clock:   c,
		records: map[string]Conversation{},
		owners:  map[string][]string{},
	}
}

func (s *MemoryStore) LoadCurrent(ctx context.Context, chatbotID, userID string) (Conversation, error) {
	s.mu.Lock()
	ids := s.owners[ownerKey(chatbotID, userID)]
	if len(ids) > 0 {
		conv := cloneConversation(s.records[ids[len(ids)-1]])
		s.mu.Unlock()
		return conv, nil
	}
	s.mu.Unlock()
	return s.CreateNew(ctx, chatbotID, userID)
}

func (s *MemoryStore) CreateNew(_ context.Context, chatbotID, userID string) (Conversation, error) {
	conv, err := newConversation(chatbotID, userID, s.clock.Now())
	if err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(conv)
	return cloneConversation(conv), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.records[id]
	if !ok {
		return Conversation{}, ErrConversationNotFound
	}
	return cloneConversation(conv), nil
}

func (s *MemoryStore) Save(_ context.Context, conv Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv = cloneConversation(conv)
	conv.UpdatedAt = s.clock.Now().UTC()
	if _, ok := s.records[conv.ID]; ok {
		s.records[conv.ID] = conv
		return nil
	}
	s.put(conv)
	return nil
}

func (s *MemoryStore) Persist(_ context.Context, conversationID string, messages []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.records[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	conv.Messages = cloneMessages(messages)
	conv.UpdatedAt = s.clock.Now().UTC()
	s.records[conversationID] = conv
	return nil
}

// put inserts a new record keeping each owner's list ordered by creation time.
func (s *MemoryStore) put(conv Conversation) {
	s.records[conv.ID] = conv
	key := ownerKey(conv.ChatbotID, conv.UserID)
	ids := s.owners[key]
	i := len(ids)
	for i > 0 && s.records[ids[i-1]].CreatedAt.After(conv.CreatedAt) {
		i--
	}
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = conv.ID
	s.owners[key] = ids
}

func ownerKey(chatbotID, userID string) string {
	return chatbotID + "\x00" + userID
}

func cloneMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i, m := range in {
		if m.CaptionVariants != nil {
			cv := *m.CaptionVariants
			m.CaptionVariants = &cv
		}
		out[i] = m
	}
	return out
}

func cloneConversation(conv Conversation) Conversation {
	conv.Messages = cloneMessages(conv.Messages)
	return conv
}
