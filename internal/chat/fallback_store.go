package chat

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// LocalMirror is the device-side store used as a backstop.
type LocalMirror interface {
	ConversationStore
	Mirror(conv Conversation) error
}

// FallbackStore writes through to a primary store of record and keeps a
// local copy of everything it sees. Primary failures are logged and served
// from the local copy instead.
type FallbackStore struct {
	primary ConversationStore
	local   LocalMirror
}

var _ ConversationStore = (*FallbackStore)(nil)

func NewFallbackStore(primary ConversationStore, local LocalMirror) *FallbackStore {
	return &FallbackStore{primary: primary, local: local}
}

func (s *FallbackStore) LoadCurrent(ctx context.Context, chatbotID, userID string) (Conversation, error) {
	conv, err := s.primary.LoadCurrent(ctx, chatbotID, userID)
	if err == nil {
		s.mirror(conv)
		return conv, nil
	}
	log.Warn().Err(err).
		Str("chatbot_id", chatbotID).
		Str("user_id", userID).
		Msg("primary store unavailable, loading local snapshot")
	return s.local.LoadCurrent(ctx, chatbotID, userID)
}

func (s *FallbackStore) CreateNew(ctx context.Context, chatbotID, userID string) (Conversation, error) {
	conv, err := s.primary.CreateNew(ctx, chatbotID, userID)
	if err == nil {
		s.mirror(conv)
		return conv, nil
	}
	log.Warn().Err(err).
		Str("chatbot_id", chatbotID).
		Str("user_id", userID).
		Msg("primary store unavailable, creating conversation locally")
	return s.local.CreateNew(ctx, chatbotID, userID)
}

func (s *FallbackStore) Get(ctx context.Context, id string) (Conversation, error) {
	conv, err := s.primary.Get(ctx, id)
	if err == nil {
		return conv, nil
	}
	local, lerr := s.local.Get(ctx, id)
	if lerr != nil {
		return Conversation{}, err
	}
	return local, nil
}

func (s *FallbackStore) Save(ctx context.Context, conv Conversation) error {
	if err := s.primary.Save(ctx, conv); err != nil {
		log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("primary store save failed")
	}
	return s.local.Save(ctx, conv)
}

// Persist writes messages to the primary store, retrying once with a full
// upsert when the plain update fails, and always writes the local copy.
func (s *FallbackStore) Persist(ctx context.Context, conversationID string, messages []Message) error {
	perr := s.primary.Persist(ctx, conversationID, messages)
	if perr != nil {
		log.Warn().Err(perr).Str("conversation_id", conversationID).Msg("primary store persist failed, retrying as upsert")
		perr = s.upsertFromLocal(ctx, conversationID, messages)
		if perr != nil {
			log.Warn().Err(perr).Str("conversation_id", conversationID).Msg("primary store upsert failed")
		}
	}

	lerr := s.local.Persist(ctx, conversationID, messages)
	if errors.Is(lerr, ErrConversationNotFound) {
		if conv, err := s.primary.Get(ctx, conversationID); err == nil {
			conv.Messages = messages
			lerr = s.local.Save(ctx, conv)
		}
	}
	if lerr != nil {
		log.Error().Err(lerr).Str("conversation_id", conversationID).Msg("local snapshot write failed")
	}

	if perr != nil && lerr != nil {
		return errors.Wrapf(lerr, "persist conversation %s: primary: %v", conversationID, perr)
	}
	return nil
}

func (s *FallbackStore) upsertFromLocal(ctx context.Context, conversationID string, messages []Message) error {
	conv, err := s.local.Get(ctx, conversationID)
	if err != nil {
		return errors.Wrap(err, "read local record")
	}
	conv.Messages = messages
	return s.primary.Save(ctx, conv)
}

func (s *FallbackStore) mirror(conv Conversation) {
	if err := s.local.Mirror(conv); err != nil {
		log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("local mirror failed")
	}
}
