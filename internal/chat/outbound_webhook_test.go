package chat

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/Vovarama1992/dashboard-chat/internal/clock"
)

func newTestWebhook(t *testing.T, handler http.HandlerFunc) (*WebhookClient, *clock.Virtual, *atomic.Int32, ChatbotDescriptor) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	vc := clock.NewVirtual(time.Unix(0, 0))
	client := NewWebhookClient(WebhookOptions{
		HTTPClient: srv.Client(),
		Cache:      NewResponseCache(DefaultCacheCapacity),
		Clock:      vc,
	})
	bot := ChatbotDescriptor{ID: "bot-1", WebhookURL: srv.URL + "/webhook/abc", Active: true, AcceptsImages: true}
	return client, vc, &hits, bot
}

func replyJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, body)
}

func TestWebhookClient_SendsMultipartFields(t *testing.T) {
	var got map[string]string
	var image []byte
	client, _, _, bot := newTestWebhook(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseMultipartForm(1 << 20)
		got = map[string]string{
			"message":         r.FormValue("message"),
			"chatbot_id":      r.FormValue("chatbot_id"),
			"user_id":         r.FormValue("user_id"),
			"conversation_id": r.FormValue("conversation_id"),
		}
		if f, _, err := r.FormFile("image"); err == nil {
			image, _ = io.ReadAll(f)
			_ = f.Close()
		}
		replyJSON(w, `{"output":"ok"}`)
	})

	resp, err := client.Send(context.Background(), WebhookRequest{
		Chatbot:        bot,
		UserID:         "user-1",
		ConversationID: "conv-1",
		Text:           "  hi there  ",
		Image:          &Image{Name: "cat.png", ContentType: "image/png", Data: []byte("png-bytes")},
	})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Text)
	require.Equal(t, map[string]string{
		"message":         "hi there",
		"chatbot_id":      "bot-1",
		"user_id":         "user-1",
		"conversation_id": "conv-1",
	}, got)
	require.Equal(t, []byte("png-bytes"), image)
}

func TestWebhookClient_CachesTextOnlyReplies(t *testing.T) {
	client, _, hits, bot := newTestWebhook(t, func(w http.ResponseWriter, r *http.Request) {
		replyJSON(w, `{"response":{"text":"cached answer"}}`)
	})
	ctx := context.Background()

	first, err := client.Send(ctx, WebhookRequest{Chatbot: bot, Text: "Hello"})
	require.NoError(t, err)
	second, err := client.Send(ctx, WebhookRequest{Chatbot: bot, Text: "  hello "})
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, int32(1), hits.Load())
	require.Equal(t, 1, client.cache.Len())
}

func TestWebhookClient_ImageBypassesCache(t *testing.T) {
	client, _, hits, bot := newTestWebhook(t, func(w http.ResponseWriter, r *http.Request) {
		replyJSON(w, `{"output":"seen"}`)
	})
	ctx := context.Background()

	// prime the cache with the text-only fingerprint
	_, err := client.Send(ctx, WebhookRequest{Chatbot: bot, Text: "what is this"})
	require.NoError(t, err)

	img := &Image{Name: "a.jpg", Data: []byte{0xff, 0xd8, 0xff}}
	for i := 0; i < 2; i++ {
		_, err := client.Send(ctx, WebhookRequest{Chatbot: bot, Text: "what is this", Image: img})
		require.NoError(t, err)
	}
	require.Equal(t, int32(3), hits.Load())
	require.Equal(t, 1, client.cache.Len())
}

func TestWebhookClient_RetriesWithLinearBackoff(t *testing.T) {
	client, vc, hits, bot := newTestWebhook(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	_, err := client.Send(context.Background(), WebhookRequest{Chatbot: bot, Text: "hi"})
	require.Error(t, err)

	var netErr *NetworkError
	require.True(t, errors.As(err, &netErr))
	require.Equal(t, 3, netErr.Attempts)
	require.Equal(t, networkErrorText, err.Error())
	require.Equal(t, int32(3), hits.Load())
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, vc.Sleeps())
	require.Equal(t, 0, client.cache.Len())
}

func TestWebhookClient_RecoversOnSecondAttempt(t *testing.T) {
	var calls atomic.Int32
	client, vc, _, bot := newTestWebhook(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		replyJSON(w, `{"text":"second time lucky"}`)
	})

	resp, err := client.Send(context.Background(), WebhookRequest{Chatbot: bot, Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, "second time lucky", resp.Text)
	require.Equal(t, []time.Duration{time.Second}, vc.Sleeps())
}

func TestWebhookClient_CancellationStopsRetries(t *testing.T) {
	client, vc, hits, bot := newTestWebhook(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	ctx, cancel := context.WithCancel(context.Background())
	vc.OnSleep = func(time.Duration) { cancel() }

	_, err := client.Send(ctx, WebhookRequest{Chatbot: bot, Text: "hi"})
	require.ErrorIs(t, err, ErrCanceled)
	require.Equal(t, int32(1), hits.Load())
}

func TestWebhookClient_AlreadyCanceledMakesNoRetry(t *testing.T) {
	client, vc, hits, bot := newTestWebhook(t, func(w http.ResponseWriter, r *http.Request) {
		replyJSON(w, `{"text":"never"}`)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Send(ctx, WebhookRequest{Chatbot: bot, Text: "hi"})
	require.ErrorIs(t, err, ErrCanceled)
	require.Equal(t, int32(0), hits.Load())
	require.Empty(t, vc.Sleeps())
}

func TestWebhookClient_AttemptTimeoutIsRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	client := NewWebhookClient(WebhookOptions{
		HTTPClient: srv.Client(),
		Clock:      clock.NewVirtual(time.Unix(0, 0)),
		Timeout:    20 * time.Millisecond,
	})
	bot := ChatbotDescriptor{ID: "bot", WebhookURL: srv.URL}

	_, err := client.Send(context.Background(), WebhookRequest{Chatbot: bot, Text: "slow"})
	var netErr *NetworkError
	require.True(t, errors.As(err, &netErr))
	require.Equal(t, int32(3), hits.Load())
}

func TestWebhookClient_VideoPendingIndicator(t *testing.T) {
	body := `{"response":{"text":"making it","generate_video":true}}`
	client, _, _, bot := newTestWebhook(t, func(w http.ResponseWriter, r *http.Request) {
		replyJSON(w, body)
	})
	ctx := context.Background()

	_, err := client.Send(ctx, WebhookRequest{Chatbot: bot, Text: "make a video"})
	require.NoError(t, err)
	require.True(t, client.VideoPending())

	body = `{"response":{"text":"failed","generate_video":true,"videoError":"quota"}}`
	_, err = client.Send(ctx, WebhookRequest{Chatbot: bot, Text: "again"})
	require.NoError(t, err)
	require.False(t, client.VideoPending())
}

func TestShort_KeepsRunesWhole(t *testing.T) {
	require.Equal(t, "brief", short("brief"))

	ascii := strings.Repeat("a", 200)
	require.Equal(t, strings.Repeat("a", 180)+"...", short(ascii))

	// 179 ASCII bytes then a 2-byte rune straddling the limit
	mixed := strings.Repeat("a", 179) + "é" + strings.Repeat("b", 20)
	got := short(mixed)
	require.True(t, utf8.ValidString(got))
	require.Equal(t, strings.Repeat("a", 179)+"...", got)

	cyrillic := strings.Repeat("ж", 150)
	got = short(cyrillic)
	require.True(t, utf8.ValidString(got))
	require.Equal(t, strings.Repeat("ж", 90)+"...", got)
}
