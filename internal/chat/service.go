package chat

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/Vovarama1992/dashboard-chat/internal/clock"
)

type State string

const (
	StateIdle             State = "idle"
	StateSending          State = "sending"
	StateAwaitingResponse State = "awaiting_response"
	StateStreaming        State = "streaming"
	StateError            State = "error"
)

// View is what the UI sees of a conversation at one point in time.
type View struct {
	ConversationID string    `json:"conversation_id"`
	ChatbotID      string    `json:"chatbot_id"`
	Messages       []Message `json:"messages"`
	State          State     `json:"state"`
	IsLoading      bool      `json:"is_loading"`
	IsTyping       bool      `json:"is_typing"`
	Error          string    `json:"error,omitempty"`
	VideoPending   bool      `json:"video_pending"`
}

type OrchestratorDeps struct {
	Chatbot  ChatbotDescriptor
	UserID   string
	Webhook  Webhook
	Store    ConversationStore
	Streamer *Streamer
	Clock    clock.Clock

	// ImageCapacity bounds the images held for the session; DefaultImageCapacity when zero.
	ImageCapacity int
}

// Orchestrator owns the in-memory message list of one (chatbot, user) conversation
// and is its only writer.
type Orchestrator struct {
	chatbot  ChatbotDescriptor
	userID   string
	webhook  Webhook
	store    ConversationStore
	streamer *Streamer
	clock    clock.Clock
	images   *ImageStore

	loadMu sync.Mutex

	mu           sync.Mutex
	loaded       bool
	conversation Conversation
	messages     []Message
	state        State
	lastErr      error
	cancel       context.CancelFunc
	// clearing is set while Clear waits on the store; the old conversation id must not be reused meanwhile
	clearing bool
	// gen changes on every clear; an exchange started under an older gen drops its results
	gen uint64
}

func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Streamer == nil {
		deps.Streamer = NewStreamer(deps.Clock)
	}
	return &Orchestrator{
		chatbot:  deps.Chatbot,
		userID:   deps.UserID,
		webhook:  deps.Webhook,
		store:    deps.Store,
		streamer: deps.Streamer,
		clock:    deps.Clock,
		images:   NewImageStore(deps.ImageCapacity),
		state:    StateIdle,
	}
}

// Load reads the current conversation once. Store failures are logged and
// leave an empty in-memory conversation.
func (o *Orchestrator) Load(ctx context.Context) error {
	o.loadMu.Lock()
	defer o.loadMu.Unlock()

	o.mu.Lock()
	loaded := o.loaded
	o.mu.Unlock()
	if loaded {
		return nil
	}

	conv, err := o.store.LoadCurrent(ctx, o.chatbot.ID, o.userID)
	if err != nil {
		log.Error().Err(err).
			Str("chatbot_id", o.chatbot.ID).
			Str("user_id", o.userID).
			Msg("load conversation failed, starting a local one")
		if conv, err = newConversation(o.chatbot.ID, o.userID, o.clock.Now()); err != nil {
			return err
		}
	}

	msgs := cloneMessages(conv.Messages)
	for i := range msgs {
		// a reveal interrupted by a restart is over
		msgs[i].IsStreaming = false
	}

	o.mu.Lock()
	o.conversation = conv
	o.messages = msgs
	o.loaded = true
	o.mu.Unlock()
	return nil
}

type exchange struct {
	ctx       context.Context
	cancel    context.CancelFunc
	gen       uint64
	convID    string
	userMsgID string
	text      string
	image     *Image
}

// Send appends the user's message and runs a full exchange with the chatbot:
// webhook call, reveal of the reply and persistence. It returns ErrBusy without
// touching the message list while another exchange is in flight.
func (o *Orchestrator) Send(ctx context.Context, in Input) error {
	if err := o.validate(in); err != nil {
		return err
	}
	if err := o.Load(ctx); err != nil {
		return err
	}

	o.mu.Lock()
	ex, err := o.beginLocked(ctx, in)
	o.mu.Unlock()
	if err != nil {
		return err
	}
	return o.run(ex)
}

// Retry re-sends the most recent user message after a failed exchange.
func (o *Orchestrator) Retry(ctx context.Context) error {
	o.mu.Lock()
	if o.lastErr == nil {
		o.mu.Unlock()
		return ErrNothingToRetry
	}
	if o.busyLocked() {
		o.mu.Unlock()
		return ErrBusy
	}
	idx := -1
	for i := len(o.messages) - 1; i >= 0; i-- {
		if o.messages[i].Role == RoleUser {
			idx = i
			break
		}
	}
	if idx < 0 {
		o.mu.Unlock()
		return ErrNothingToRetry
	}

	last := o.messages[idx]
	in := Input{Text: last.Content}
	if img, ok := o.images.Get(last.ImageURL); ok {
		in.Image = &img
	}
	if err := o.validate(in); err != nil {
		o.mu.Unlock()
		if errors.Is(err, ErrEmptyInput) {
			return ErrNothingToRetry
		}
		return err
	}

	o.messages = append(o.messages[:idx], o.messages[idx+1:]...)
	o.images.Release(last.ImageURL)
	o.lastErr = nil

	ex, err := o.beginLocked(ctx, in)
	o.mu.Unlock()
	if err != nil {
		return err
	}
	return o.run(ex)
}

// Clear starts a brand new empty conversation. The previous one stays in the
// store untouched.
func (o *Orchestrator) Clear(ctx context.Context) error {
	o.mu.Lock()
	if o.clearing {
		o.mu.Unlock()
		return ErrBusy
	}
	o.clearing = true
	o.gen++
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.mu.Unlock()

	conv, err := o.store.CreateNew(ctx, o.chatbot.ID, o.userID)
	if err != nil {
		log.Error().Err(err).Str("chatbot_id", o.chatbot.ID).Msg("create conversation failed, starting a local one")
		if conv, err = newConversation(o.chatbot.ID, o.userID, o.clock.Now()); err != nil {
			o.mu.Lock()
			o.clearing = false
			o.mu.Unlock()
			return err
		}
	}

	o.mu.Lock()
	o.clearing = false
	o.conversation = conv
	o.messages = nil
	o.state = StateIdle
	o.lastErr = nil
	o.loaded = true
	o.mu.Unlock()

	o.images.ReleaseAll()
	o.webhook.ClearVideoPending()
	return nil
}

// Cancel aborts the exchange in flight, if any.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel == nil {
		return false
	}
	o.cancel()
	return true
}

// CompleteVideo finalizes a video that was still being generated when the reply arrived.
func (o *Orchestrator) CompleteVideo(ctx context.Context, messageID, videoURL, videoErr string) error {
	o.mu.Lock()
	idx := o.indexLocked(messageID)
	if idx < 0 || o.messages[idx].Role != RoleAssistant {
		o.mu.Unlock()
		return ErrMessageNotFound
	}
	m := &o.messages[idx]
	m.VideoURL = strings.TrimSpace(videoURL)
	m.VideoError = strings.TrimSpace(videoErr)
	m.IsVideoLoading = false
	convID := o.conversation.ID
	msgs := cloneMessages(o.messages)
	o.mu.Unlock()

	o.webhook.ClearVideoPending()
	o.persist(ctx, convID, msgs)
	return nil
}

func (o *Orchestrator) Snapshot() View {
	o.mu.Lock()
	defer o.mu.Unlock()
	v := View{
		ConversationID: o.conversation.ID,
		ChatbotID:      o.chatbot.ID,
		Messages:       cloneMessages(o.messages),
		State:          o.state,
		IsLoading:      o.state == StateSending || o.state == StateAwaitingResponse,
		IsTyping:       o.state == StateAwaitingResponse || o.state == StateStreaming,
		VideoPending:   o.webhook.VideoPending(),
	}
	if o.lastErr != nil {
		v.Error = o.lastErr.Error()
	}
	return v
}

// Busy reports whether an exchange or a clear is in flight.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busyLocked()
}

// Release drops the session's in-memory image data. Messages keep their
// references, which then no longer resolve.
func (o *Orchestrator) Release() {
	o.images.ReleaseAll()
}

// Image returns an image the user attached to a message still on screen.
func (o *Orchestrator) Image(ref string) (Image, bool) {
	return o.images.Get(imageRefPrefix + strings.TrimPrefix(ref, imageRefPrefix))
}

func (o *Orchestrator) validate(in Input) error {
	text := strings.TrimSpace(in.Text)
	hasImage := in.Image != nil && len(in.Image.Data) > 0
	if text == "" && !hasImage {
		return ErrEmptyInput
	}
	if !o.chatbot.Active {
		return ErrChatbotInactive
	}
	if hasImage && !o.chatbot.AcceptsImages {
		return ErrImagesNotAccepted
	}
	return nil
}

func (o *Orchestrator) beginLocked(ctx context.Context, in Input) (*exchange, error) {
	if o.busyLocked() {
		return nil, ErrBusy
	}

	var image *Image
	if in.Image != nil && len(in.Image.Data) > 0 {
		image = in.Image
	}
	text := strings.TrimSpace(in.Text)

	msg := Message{
		ID:        newMessageID(),
		Role:      RoleUser,
		Content:   text,
		Timestamp: o.clock.Now().UTC(),
		Status:    StatusSent,
	}
	if image != nil {
		msg.ImageURL = o.images.Put(*image)
	}
	o.messages = append(o.messages, msg)
	o.state = StateSending
	o.lastErr = nil

	exCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	return &exchange{
		ctx:       exCtx,
		cancel:    cancel,
		gen:       o.gen,
		convID:    o.conversation.ID,
		userMsgID: msg.ID,
		text:      text,
		image:     image,
	}, nil
}

func (o *Orchestrator) run(ex *exchange) error {
	defer ex.cancel()
	// persistence must outlive a canceled exchange
	persistCtx := context.WithoutCancel(ex.ctx)

	o.update(ex, func() { o.state = StateAwaitingResponse })

	resp, err := o.webhook.Send(ex.ctx, WebhookRequest{
		Chatbot:        o.chatbot,
		UserID:         o.userID,
		ConversationID: ex.convID,
		Text:           ex.text,
		Image:          ex.image,
	})
	if err != nil {
		return o.fail(persistCtx, ex, err)
	}

	botID := newMessageID()
	if !o.update(ex, func() {
		if i := o.indexLocked(ex.userMsgID); i >= 0 {
			o.messages[i].Status = StatusDelivered
		}
		o.messages = append(o.messages, Message{
			ID:              botID,
			Role:            RoleAssistant,
			Timestamp:       o.clock.Now().UTC(),
			Status:          StatusDelivered,
			IsStreaming:     true,
			VideoURL:        resp.VideoURL,
			CaptionVariants: resp.CaptionVariants,
			VideoError:      resp.VideoError,
			IsVideoLoading:  resp.VideoLoading(),
		})
		o.state = StateStreaming
	}) {
		return ErrCanceled
	}

	revealErr := o.streamer.Reveal(ex.ctx, resp.Text, func(partial string) {
		o.update(ex, func() {
			if i := o.indexLocked(botID); i >= 0 {
				o.messages[i].Content = partial
			}
		})
	})

	var msgs []Message
	current := o.update(ex, func() {
		if i := o.indexLocked(botID); i >= 0 {
			if revealErr == nil {
				o.messages[i].Content = resp.Text
			}
			o.messages[i].IsStreaming = false
		}
		if revealErr == nil {
			if i := o.indexLocked(ex.userMsgID); i >= 0 {
				o.messages[i].Status = StatusRead
			}
		}
		o.state = StateIdle
		o.cancel = nil
		msgs = cloneMessages(o.messages)
	})
	if !current {
		return ErrCanceled
	}

	o.persist(persistCtx, ex.convID, msgs)
	if revealErr != nil {
		return errors.Wrap(ErrCanceled, revealErr.Error())
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, ex *exchange, sendErr error) error {
	canceled := errors.Is(sendErr, ErrCanceled)

	var msgs []Message
	if !o.update(ex, func() {
		o.cancel = nil
		if canceled {
			o.state = StateIdle
		} else {
			o.messages = append(o.messages, Message{
				ID:        newMessageID(),
				Role:      RoleAssistant,
				Content:   sendErr.Error(),
				Timestamp: o.clock.Now().UTC(),
				Status:    StatusDelivered,
				IsError:   true,
			})
			o.state = StateError
			o.lastErr = sendErr
		}
		msgs = cloneMessages(o.messages)
	}) {
		return ErrCanceled
	}

	if !canceled {
		log.Warn().Err(sendErr).
			Str("chatbot_id", o.chatbot.ID).
			Str("conversation_id", ex.convID).
			Msg("message delivery failed")
	}
	o.persist(ctx, ex.convID, msgs)
	return sendErr
}

// update applies fn under the lock if the exchange still belongs to the current conversation.
func (o *Orchestrator) update(ex *exchange, fn func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ex.gen != o.gen {
		return false
	}
	fn()
	return true
}

func (o *Orchestrator) persist(ctx context.Context, convID string, msgs []Message) {
	if err := o.store.Persist(ctx, convID, msgs); err != nil {
		log.Error().Err(err).
			Str("chatbot_id", o.chatbot.ID).
			Str("conversation_id", convID).
			Msg("persist conversation failed")
	}
}

func (o *Orchestrator) busyLocked() bool {
	if o.clearing {
		return true
	}
	switch o.state {
	case StateSending, StateAwaitingResponse, StateStreaming:
		return true
	}
	return false
}

func (o *Orchestrator) indexLocked(id string) int {
	for i := range o.messages {
		if o.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func newMessageID() string {
	return uuid.Must(uuid.NewV7()).String()
}
