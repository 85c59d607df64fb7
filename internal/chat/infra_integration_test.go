package chat

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

func openTestPostgres(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("skip integration test: TEST_POSTGRES_DSN is not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Skipf("skip integration test: cannot open database: %v", err)
	}
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		t.Skipf("skip integration test: database ping failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPostgresStore_Integration(t *testing.T) {
	db := openTestPostgres(t)
	ctx := context.Background()
	store := NewPostgresStore(db, newSteppingClock())
	require.NoError(t, store.Migrate(ctx))

	// unique owner per run keeps reruns independent
	chatbotID := "it-bot-" + uuid.NewString()
	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), `DELETE FROM conversations WHERE chatbot_id = $1`, chatbotID)
	})

	first, err := store.LoadCurrent(ctx, chatbotID, "user-1")
	require.NoError(t, err)
	require.Empty(t, first.Messages)

	require.NoError(t, store.Persist(ctx, first.ID, textMessages(10)))
	again, err := store.LoadCurrent(ctx, chatbotID, "user-1")
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Len(t, again.Messages, 10)
	require.Equal(t, "message 9", again.Messages[9].Content)

	fresh, err := store.CreateNew(ctx, chatbotID, "user-1")
	require.NoError(t, err)
	current, err := store.LoadCurrent(ctx, chatbotID, "user-1")
	require.NoError(t, err)
	require.Equal(t, fresh.ID, current.ID)
	require.Empty(t, current.Messages)

	old, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, old.Messages, 10)

	_, err = store.Get(ctx, "missing-"+uuid.NewString())
	require.ErrorIs(t, err, ErrConversationNotFound)
	require.ErrorIs(t, store.Persist(ctx, "missing-"+uuid.NewString(), nil), ErrConversationNotFound)

	// Save upserts a conversation created elsewhere, e.g. on the local fallback
	local, err := newConversation(chatbotID, "user-2", newSteppingClock().Now())
	require.NoError(t, err)
	local.Messages = textMessages(2)
	require.NoError(t, store.Save(ctx, local))
	got, err := store.Get(ctx, local.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
}
