package chat

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/Vovarama1992/dashboard-chat/internal/clock"
)

var (
	bucketConversations = []byte("conversations")
	bucketSnapshots     = []byte("snapshots")
)

// Snapshot is the device copy of the current conversation of a (chatbot, user) pair.
type Snapshot struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
	Timestamp      time.Time `json:"timestamp"`
}

// LocalStore is the durable fallback copy kept in a bbolt file.
type LocalStore struct {
	db    *bolt.DB
	clock clock.Clock
}

var _ ConversationStore = (*LocalStore)(nil)

func OpenLocalStore(path string, c clock.Clock) (*LocalStore, error) {
	if c == nil {
		c = clock.Real{}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "local store: create dir")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "local store: open")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketConversations); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "local store: init buckets")
	}
	return &LocalStore{db: db, clock: c}, nil
}

func (s *LocalStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *LocalStore) LoadCurrent(ctx context.Context, chatbotID, userID string) (Conversation, error) {
	var (
		conv  Conversation
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		snap, ok, err := getSnapshot(tx, chatbotID, userID)
		if err != nil || !ok {
			return err
		}
		rec, ok, err := getRecord(tx, snap.ConversationID)
		if err != nil {
			return err
		}
		if !ok {
			rec = Conversation{
				ID:        snap.ConversationID,
				ChatbotID: chatbotID,
				UserID:    userID,
				CreatedAt: snap.Timestamp,
			}
		}
		// the snapshot is written on every persist, so it wins over the record
		rec.Messages = snap.Messages
		rec.UpdatedAt = snap.Timestamp
		conv, found = rec, true
		return nil
	})
	if err != nil {
		return Conversation{}, errors.Wrap(err, "local store: load current")
	}
	if !found {
		return s.CreateNew(ctx, chatbotID, userID)
	}
	if conv.Messages == nil {
		conv.Messages = []Message{}
	}
	return conv, nil
}

func (s *LocalStore) CreateNew(_ context.Context, chatbotID, userID string) (Conversation, error) {
	conv, err := newConversation(chatbotID, userID, s.clock.Now())
	if err != nil {
		return Conversation{}, err
	}
	if err := s.Mirror(conv); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

func (s *LocalStore) Get(_ context.Context, id string) (Conversation, error) {
	var (
		conv Conversation
		ok   bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		conv, ok, err = getRecord(tx, id)
		return err
	})
	if err != nil {
		return Conversation{}, errors.Wrap(err, "local store: get")
	}
	if !ok {
		return Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

// Save upserts the record and makes it current unless a newer conversation
// already exists for the same pair.
func (s *LocalStore) Save(_ context.Context, conv Conversation) error {
	conv.UpdatedAt = s.clock.Now().UTC()
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := putRecord(tx, conv); err != nil {
			return err
		}
		snap, ok, err := getSnapshot(tx, conv.ChatbotID, conv.UserID)
		if err != nil {
			return err
		}
		if ok && snap.ConversationID != conv.ID {
			current, found, err := getRecord(tx, snap.ConversationID)
			if err != nil {
				return err
			}
			if found && current.CreatedAt.After(conv.CreatedAt) {
				return nil
			}
		}
		return putSnapshot(tx, conv.ChatbotID, conv.UserID, snapshotOf(conv))
	})
	return errors.Wrap(err, "local store: save")
}

// Mirror stores conv and marks it as the current conversation of its pair unconditionally.
func (s *LocalStore) Mirror(conv Conversation) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := putRecord(tx, conv); err != nil {
			return err
		}
		return putSnapshot(tx, conv.ChatbotID, conv.UserID, snapshotOf(conv))
	})
	return errors.Wrap(err, "local store: mirror")
}

func (s *LocalStore) Persist(_ context.Context, conversationID string, messages []Message) error {
	now := s.clock.Now().UTC()
	err := s.db.Update(func(tx *bolt.Tx) error {
		conv, ok, err := getRecord(tx, conversationID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConversationNotFound
		}
		conv.Messages = messages
		conv.UpdatedAt = now
		if err := putRecord(tx, conv); err != nil {
			return err
		}
		snap, ok, err := getSnapshot(tx, conv.ChatbotID, conv.UserID)
		if err != nil {
			return err
		}
		if ok && snap.ConversationID != conversationID {
			return nil
		}
		return putSnapshot(tx, conv.ChatbotID, conv.UserID, snapshotOf(conv))
	})
	if errors.Is(err, ErrConversationNotFound) {
		return ErrConversationNotFound
	}
	return errors.Wrap(err, "local store: persist")
}

// Snapshot returns the device snapshot for a pair, if any.
func (s *LocalStore) Snapshot(chatbotID, userID string) (Snapshot, bool, error) {
	var (
		snap Snapshot
		ok   bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		snap, ok, err = getSnapshot(tx, chatbotID, userID)
		return err
	})
	return snap, ok, errors.Wrap(err, "local store: snapshot")
}

func snapshotOf(conv Conversation) Snapshot {
	msgs := conv.Messages
	if msgs == nil {
		msgs = []Message{}
	}
	ts := conv.UpdatedAt
	if ts.IsZero() {
		ts = conv.CreatedAt
	}
	return Snapshot{ConversationID: conv.ID, Messages: msgs, Timestamp: ts}
}

func getRecord(tx *bolt.Tx, id string) (Conversation, bool, error) {
	v := tx.Bucket(bucketConversations).Get([]byte(id))
	if v == nil {
		return Conversation{}, false, nil
	}
	var conv Conversation
	if err := json.Unmarshal(v, &conv); err != nil {
		return Conversation{}, false, err
	}
	return conv, true, nil
}

func putRecord(tx *bolt.Tx, conv Conversation) error {
	if conv.Messages == nil {
		conv.Messages = []Message{}
	}
	b, err := json.Marshal(conv)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketConversations).Put([]byte(conv.ID), b)
}

func getSnapshot(tx *bolt.Tx, chatbotID, userID string) (Snapshot, bool, error) {
	v := tx.Bucket(bucketSnapshots).Get([]byte(ownerKey(chatbotID, userID)))
	if v == nil {
		return Snapshot{}, false, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(v, &snap); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func putSnapshot(tx *bolt.Tx, chatbotID, userID string, snap Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketSnapshots).Put([]byte(ownerKey(chatbotID, userID)), b)
}
