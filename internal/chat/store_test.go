package chat

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/Vovarama1992/dashboard-chat/internal/clock"
)

var errStoreDown = errors.New("store unreachable")

// flakyStore fails every call while down is set.
type flakyStore struct {
	ConversationStore
	down atomic.Bool
}

func (s *flakyStore) LoadCurrent(ctx context.Context, chatbotID, userID string) (Conversation, error) {
	if s.down.Load() {
		return Conversation{}, errStoreDown
	}
	return s.ConversationStore.LoadCurrent(ctx, chatbotID, userID)
}

func (s *flakyStore) CreateNew(ctx context.Context, chatbotID, userID string) (Conversation, error) {
	if s.down.Load() {
		return Conversation{}, errStoreDown
	}
	return s.ConversationStore.CreateNew(ctx, chatbotID, userID)
}

func (s *flakyStore) Get(ctx context.Context, id string) (Conversation, error) {
	if s.down.Load() {
		return Conversation{}, errStoreDown
	}
	return s.ConversationStore.Get(ctx, id)
}

func (s *flakyStore) Save(ctx context.Context, conv Conversation) error {
	if s.down.Load() {
		return errStoreDown
	}
	return s.ConversationStore.Save(ctx, conv)
}

func (s *flakyStore) Persist(ctx context.Context, id string, msgs []Message) error {
	if s.down.Load() {
		return errStoreDown
	}
	return s.ConversationStore.Persist(ctx, id, msgs)
}

// steppingClock moves one second forward on every Now call so creation order is strict.
type steppingClock struct {
	*clock.Virtual
}

func (c steppingClock) Now() time.Time {
	c.Advance(time.Second)
	return c.Virtual.Now()
}

func newSteppingClock() steppingClock {
	return steppingClock{clock.NewVirtual(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))}
}

func openTestLocalStore(t *testing.T) (*LocalStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshots.bolt")
	s, err := OpenLocalStore(path, newSteppingClock())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func textMessages(n int) []Message {
	out := make([]Message, n)
	for i := range out {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		out[i] = Message{ID: fmt.Sprintf("m%d", i), Role: role, Content: fmt.Sprintf("message %d", i), Status: StatusDelivered}
	}
	return out
}

func TestConversationStores_ClearKeepsOldRecord(t *testing.T) {
	local, _ := openTestLocalStore(t)
	stores := map[string]ConversationStore{
		"memory":   NewMemoryStore(newSteppingClock()),
		"local":    local,
		"fallback": NewFallbackStore(NewMemoryStore(newSteppingClock()), local),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			old, err := store.LoadCurrent(ctx, "bot-"+name, "user-1")
			require.NoError(t, err)
			require.Empty(t, old.Messages)

			require.NoError(t, store.Persist(ctx, old.ID, textMessages(10)))

			fresh, err := store.CreateNew(ctx, "bot-"+name, "user-1")
			require.NoError(t, err)
			require.NotEqual(t, old.ID, fresh.ID)
			require.Empty(t, fresh.Messages)

			current, err := store.LoadCurrent(ctx, "bot-"+name, "user-1")
			require.NoError(t, err)
			require.Equal(t, fresh.ID, current.ID)
			require.Empty(t, current.Messages)

			prev, err := store.Get(ctx, old.ID)
			require.NoError(t, err)
			require.Len(t, prev.Messages, 10)
		})
	}
}

func TestConversationStores_PersistUnknownConversation(t *testing.T) {
	local, _ := openTestLocalStore(t)
	for name, store := range map[string]ConversationStore{"memory": NewMemoryStore(nil), "local": local} {
		err := store.Persist(context.Background(), "missing", textMessages(1))
		require.ErrorIs(t, err, ErrConversationNotFound, name)
		_, err = store.Get(context.Background(), "missing")
		require.ErrorIs(t, err, ErrConversationNotFound, name)
	}
}

func TestLocalStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.bolt")
	ctx := context.Background()

	s, err := OpenLocalStore(path, newSteppingClock())
	require.NoError(t, err)
	conv, err := s.LoadCurrent(ctx, "bot", "user")
	require.NoError(t, err)
	require.NoError(t, s.Persist(ctx, conv.ID, textMessages(3)))
	require.NoError(t, s.Close())

	s, err = OpenLocalStore(path, newSteppingClock())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	again, err := s.LoadCurrent(ctx, "bot", "user")
	require.NoError(t, err)
	require.Equal(t, conv.ID, again.ID)
	require.Len(t, again.Messages, 3)

	snap, ok, err := s.Snapshot("bot", "user")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, conv.ID, snap.ConversationID)
	require.Len(t, snap.Messages, 3)
}

func TestLocalStore_SaveDoesNotReplaceNewerCurrent(t *testing.T) {
	s, _ := openTestLocalStore(t)
	ctx := context.Background()

	older, err := s.CreateNew(ctx, "bot", "user")
	require.NoError(t, err)
	newer, err := s.CreateNew(ctx, "bot", "user")
	require.NoError(t, err)

	older.Messages = textMessages(2)
	require.NoError(t, s.Save(ctx, older))

	current, err := s.LoadCurrent(ctx, "bot", "user")
	require.NoError(t, err)
	require.Equal(t, newer.ID, current.ID)
}

func TestFallbackStore_ServesLocalWhenPrimaryDown(t *testing.T) {
	local, _ := openTestLocalStore(t)
	primary := &flakyStore{ConversationStore: NewMemoryStore(newSteppingClock())}
	store := NewFallbackStore(primary, local)
	ctx := context.Background()

	conv, err := store.LoadCurrent(ctx, "bot", "user")
	require.NoError(t, err)
	require.NoError(t, store.Persist(ctx, conv.ID, textMessages(2)))

	primary.down.Store(true)

	// persistence failures are absorbed while the local copy keeps up
	require.NoError(t, store.Persist(ctx, conv.ID, textMessages(4)))
	loaded, err := store.LoadCurrent(ctx, "bot", "user")
	require.NoError(t, err)
	require.Equal(t, conv.ID, loaded.ID)
	require.Len(t, loaded.Messages, 4)

	got, err := store.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 4)
}

func TestFallbackStore_UpsertsLocallyCreatedConversationOnRecovery(t *testing.T) {
	local, _ := openTestLocalStore(t)
	remote := NewMemoryStore(newSteppingClock())
	primary := &flakyStore{ConversationStore: remote}
	store := NewFallbackStore(primary, local)
	ctx := context.Background()

	primary.down.Store(true)
	conv, err := store.CreateNew(ctx, "bot", "user")
	require.NoError(t, err)
	_, err = remote.Get(ctx, conv.ID)
	require.ErrorIs(t, err, ErrConversationNotFound)

	primary.down.Store(false)
	require.NoError(t, store.Persist(ctx, conv.ID, textMessages(2)))

	stored, err := remote.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 2)
	require.Equal(t, "bot", stored.ChatbotID)
}

func TestFallbackStore_MirrorsPrimaryLoads(t *testing.T) {
	local, _ := openTestLocalStore(t)
	remote := NewMemoryStore(newSteppingClock())
	store := NewFallbackStore(remote, local)
	ctx := context.Background()

	conv, err := remote.CreateNew(ctx, "bot", "user")
	require.NoError(t, err)
	require.NoError(t, remote.Persist(ctx, conv.ID, textMessages(3)))

	_, err = store.LoadCurrent(ctx, "bot", "user")
	require.NoError(t, err)

	snap, ok, err := local.Snapshot("bot", "user")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, conv.ID, snap.ConversationID)
	require.Len(t, snap.Messages, 3)
}

func TestFallbackStore_PersistFailsOnlyWhenBothFail(t *testing.T) {
	primary := &flakyStore{ConversationStore: NewMemoryStore(nil)}
	localPrimary := &flakyStore{ConversationStore: NewMemoryStore(nil)}
	store := NewFallbackStore(primary, &memoryMirror{localPrimary})
	primary.down.Store(true)
	localPrimary.down.Store(true)

	err := store.Persist(context.Background(), "conv", textMessages(1))
	require.Error(t, err)
}

type memoryMirror struct {
	ConversationStore
}

func (m *memoryMirror) Mirror(conv Conversation) error {
	return m.Save(context.Background(), conv)
}
