package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/Vovarama1992/dashboard-chat/internal/clock"
)

const (
	DefaultWebhookTimeout = 10 * time.Minute
	DefaultMaxAttempts    = 3
	DefaultRetryBackoff   = time.Second

	maxWebhookBodyBytes = 16 << 20
)

type WebhookOptions struct {
	HTTPClient *http.Client
	Cache      *ResponseCache
	Clock      clock.Clock
	// Timeout bounds every single attempt.
	Timeout     time.Duration
	MaxAttempts int
	// Backoff is multiplied by the attempt number between attempts.
	Backoff time.Duration
}

type WebhookClient struct {
	client       *http.Client
	cache        *ResponseCache
	clock        clock.Clock
	timeout      time.Duration
	maxAttempts  int
	backoff      time.Duration
	videoPending atomic.Bool
}

var _ Webhook = (*WebhookClient)(nil)

func NewWebhookClient(opts WebhookOptions) *WebhookClient {
	c := &WebhookClient{
		client:      opts.HTTPClient,
		cache:       opts.Cache,
		clock:       opts.Clock,
		timeout:     opts.Timeout,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
	}
	if c.client == nil {
		// per-attempt deadlines come from the context
		c.client = &http.Client{}
	}
	if c.cache == nil {
		c.cache = NewResponseCache(DefaultCacheCapacity)
	}
	if c.clock == nil {
		c.clock = clock.Real{}
	}
	if c.timeout <= 0 {
		c.timeout = DefaultWebhookTimeout
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.backoff <= 0 {
		c.backoff = DefaultRetryBackoff
	}
	return c
}

// VideoPending reports whether the last reply asked for a video that has not arrived yet.
func (c *WebhookClient) VideoPending() bool {
	return c.videoPending.Load()
}

// ClearVideoPending is called once a deferred video has been delivered.
func (c *WebhookClient) ClearVideoPending() {
	c.videoPending.Store(false)
}

func (c *WebhookClient) Send(ctx context.Context, req WebhookRequest) (NormalizedResponse, error) {
	text := strings.TrimSpace(req.Text)
	hasImage := req.Image != nil
	key := Fingerprint(req.Chatbot.ID, text, hasImage)

	if !hasImage {
		if cached, ok := c.cache.Get(key); ok {
			var resp NormalizedResponse
			if err := json.Unmarshal(cached, &resp); err == nil {
				log.Debug().Str("chatbot_id", req.Chatbot.ID).Msg("webhook cache hit")
				c.videoPending.Store(resp.VideoLoading())
				return resp, nil
			}
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		raw, err := c.post(ctx, req, text)
		if err == nil {
			resp := Normalize(raw, req.Chatbot.WebhookURL)
			if !hasImage {
				if b, err := json.Marshal(resp); err == nil {
					c.cache.Set(key, b)
				}
			}
			c.videoPending.Store(resp.VideoLoading())
			return resp, nil
		}
		if ctx.Err() != nil {
			return NormalizedResponse{}, errors.Wrap(ErrCanceled, ctx.Err().Error())
		}

		lastErr = err
		log.Warn().
			Err(err).
			Str("chatbot_id", req.Chatbot.ID).
			Int("attempt", attempt).
			Int("max_attempts", c.maxAttempts).
			Msg("webhook attempt failed")

		if attempt < c.maxAttempts {
			if err := c.clock.Sleep(ctx, c.backoff*time.Duration(attempt)); err != nil {
				return NormalizedResponse{}, errors.Wrap(ErrCanceled, err.Error())
			}
		}
	}

	log.Error().Err(lastErr).Str("chatbot_id", req.Chatbot.ID).Msg("webhook failed after retries")
	return NormalizedResponse{}, &NetworkError{Attempts: c.maxAttempts, Err: lastErr}
}

func (c *WebhookClient) post(ctx context.Context, req WebhookRequest, text string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, contentType, err := buildMultipart(req, text)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Chatbot.WebhookURL, body)
	if err != nil {
		return nil, errors.Wrap(err, "build webhook request")
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookBodyBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read webhook response")
	}
	if resp.StatusCode >= 300 {
		return nil, errors.Errorf("webhook error: %s body=%s", resp.Status, short(string(raw)))
	}
	return raw, nil
}

func buildMultipart(req WebhookRequest, text string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"message", text},
		{"chatbot_id", req.Chatbot.ID},
		{"user_id", req.UserID},
		{"conversation_id", req.ConversationID},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", errors.Wrap(err, "write multipart field")
		}
	}

	if img := req.Image; img != nil {
		name := img.Name
		if name == "" {
			name = "image"
		}
		contentType := img.ContentType
		if contentType == "" {
			contentType = http.DetectContentType(img.Data)
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="image"; filename="`+escapeQuotes(name)+`"`)
		h.Set("Content-Type", contentType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", errors.Wrap(err, "create image part")
		}
		if _, err := part.Write(img.Data); err != nil {
			return nil, "", errors.Wrap(err, "write image part")
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", errors.Wrap(err, "close multipart writer")
	}
	return &buf, w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

const maxLoggedBody = 180

// short trims s to at most maxLoggedBody bytes without splitting a rune.
func short(s string) string {
	if len(s) <= maxLoggedBody {
		return s
	}
	cut := maxLoggedBody
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
