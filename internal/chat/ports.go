package chat

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

// ChatbotDescriptor is owned by the chatbot management side; the engine only reads it.
type ChatbotDescriptor struct {
	ID            string `json:"id"`
	WebhookURL    string `json:"webhook_url"`
	Active        bool   `json:"is_active"`
	AcceptsImages bool   `json:"accepts_images"`
}

type CaptionVariants struct {
	Urgency string `json:"urgency,omitempty"`
	Benefit string `json:"benefit,omitempty"`
	Desire  string `json:"desire,omitempty"`
}

func (c *CaptionVariants) empty() bool {
	return c == nil || (c.Urgency == "" && c.Benefit == "" && c.Desire == "")
}

type Message struct {
	ID              string           `json:"id"`
	Role            Role             `json:"role"`
	Content         string           `json:"content"`
	ImageURL        string           `json:"image_url,omitempty"`
	VideoURL        string           `json:"video_url,omitempty"`
	CaptionVariants *CaptionVariants `json:"caption_variants,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
	Status          DeliveryStatus   `json:"status"`
	IsStreaming     bool             `json:"is_streaming,omitempty"`
	IsVideoLoading  bool             `json:"is_video_loading,omitempty"`
	VideoError      string           `json:"video_error,omitempty"`
	IsError         bool             `json:"is_error,omitempty"`
}

type Conversation struct {
	ID        string    `json:"id"`
	ChatbotID string    `json:"chatbot_id"`
	UserID    string    `json:"user_id"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NormalizedResponse is the single shape every webhook payload is reduced to.
type NormalizedResponse struct {
	Text            string           `json:"text"`
	VideoURL        string           `json:"videoUrl,omitempty"`
	CaptionVariants *CaptionVariants `json:"captionVariants,omitempty"`
	VideoRequested  bool             `json:"videoRequested"`
	VideoError      string           `json:"videoError,omitempty"`
}

// VideoLoading reports whether a video is still being produced for this reply.
// A video error always wins over a pending request.
func (r NormalizedResponse) VideoLoading() bool {
	return r.VideoRequested && r.VideoURL == "" && r.VideoError == ""
}

type Image struct {
	Name        string
	ContentType string
	Data        []byte
}

type Input struct {
	Text  string
	Image *Image
}

type WebhookRequest struct {
	Chatbot        ChatbotDescriptor
	UserID         string
	ConversationID string
	Text           string
	Image          *Image
}

// Webhook performs the exchange with a chatbot endpoint.
type Webhook interface {
	Send(ctx context.Context, req WebhookRequest) (NormalizedResponse, error)
	VideoPending() bool
	ClearVideoPending()
}

// ConversationStore persists conversations. All methods must be safe for concurrent use.
type ConversationStore interface {
	// LoadCurrent returns the most recently created conversation for the pair,
	// creating an empty one when none exists.
	LoadCurrent(ctx context.Context, chatbotID, userID string) (Conversation, error)
	CreateNew(ctx context.Context, chatbotID, userID string) (Conversation, error)
	Get(ctx context.Context, id string) (Conversation, error)
	// Save upserts the whole record.
	Save(ctx context.Context, conv Conversation) error
	Persist(ctx context.Context, conversationID string, messages []Message) error
}

type ChatbotDirectory interface {
	Get(ctx context.Context, chatbotID string) (ChatbotDescriptor, error)
}

var (
	ErrEmptyInput           = errors.New("message text and image are both empty")
	ErrBusy                 = errors.New("a message is already being sent")
	ErrChatbotInactive      = errors.New("chatbot is not active")
	ErrImagesNotAccepted    = errors.New("chatbot does not accept images")
	ErrCanceled             = errors.New("send canceled")
	ErrNothingToRetry       = errors.New("no failed message to retry")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrChatbotNotFound      = errors.New("chatbot not found")
	ErrMessageNotFound      = errors.New("message not found")
)

// NetworkError is returned once every webhook attempt has failed.
type NetworkError struct {
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string { return networkErrorText }

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Cause() error { return e.Err }
