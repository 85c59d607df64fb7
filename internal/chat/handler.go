package chat

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/Vovarama1992/dashboard-chat/internal/ai"
)

const (
	// UserIDHeader carries the user id resolved by the authentication layer in front of us.
	UserIDHeader = "X-User-ID"

	maxUploadBytes = 32 << 20
)

type Handler struct {
	sessions    *Sessions
	transcriber ai.Transcriber
}

// NewHandler builds the HTTP surface. transcriber may be nil, which disables voice input.
func NewHandler(sessions *Sessions, transcriber ai.Transcriber) *Handler {
	return &Handler{sessions: sessions, transcriber: transcriber}
}

func (h *Handler) orchestrator(w http.ResponseWriter, r *http.Request) (*Orchestrator, bool) {
	chatbotID := chi.URLParam(r, "chatbotID")
	userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
	o, err := h.sessions.Get(r.Context(), chatbotID, userID)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return o, true
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	o, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, o.Snapshot())
}

func (h *Handler) ClearConversation(w http.ResponseWriter, r *http.Request) {
	o, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	if err := o.Clear(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o.Snapshot())
}

// SendMessage accepts multipart (message + optional image) or a JSON {"message": "..."} body.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	in, err := readInput(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	o, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	h.respondAfterSend(w, o, o.Send(r.Context(), in))
}

func (h *Handler) SendVoice(w http.ResponseWriter, r *http.Request) {
	if h.transcriber == nil {
		http.Error(w, "voice input is not configured", http.StatusNotImplemented)
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		http.Error(w, "missing audio", http.StatusBadRequest)
		return
	}
	defer file.Close()

	o, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	text, err := h.transcriber.Transcribe(r.Context(), header.Filename, file)
	if err != nil {
		log.Error().Err(err).Msg("voice transcription failed")
		http.Error(w, "transcription failed", http.StatusBadGateway)
		return
	}
	h.respondAfterSend(w, o, o.Send(r.Context(), Input{Text: text}))
}

func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	o, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	h.respondAfterSend(w, o, o.Retry(r.Context()))
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	o, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	o.Cancel()
	writeJSON(w, http.StatusOK, o.Snapshot())
}

// CompleteVideo is called by the workflow once a deferred video is ready or has failed.
func (h *Handler) CompleteVideo(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		MessageID  string `json:"message_id"`
		VideoURL   string `json:"videoUrl"`
		VideoError string `json:"videoError"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if payload.MessageID == "" || (payload.VideoURL == "" && payload.VideoError == "") {
		http.Error(w, "missing message_id or videoUrl/videoError", http.StatusBadRequest)
		return
	}

	o, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	if err := o.CompleteVideo(r.Context(), payload.MessageID, payload.VideoURL, payload.VideoError); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o.Snapshot())
}

func (h *Handler) GetImage(w http.ResponseWriter, r *http.Request) {
	o, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	img, found := o.Image(chi.URLParam(r, "imageID"))
	if !found {
		http.NotFound(w, r)
		return
	}
	contentType := img.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(img.Data)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	_, _ = w.Write(img.Data)
}

func (h *Handler) GetConversationByID(w http.ResponseWriter, r *http.Request) {
	conv, err := h.sessions.Conversation(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if userID := strings.TrimSpace(r.Header.Get(UserIDHeader)); conv.UserID != userID {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// respondAfterSend reports delivery failures through the view, which carries
// the error state and the error-bearing reply. A retry with nothing to retry
// is a no-op and returns the unchanged view.
func (h *Handler) respondAfterSend(w http.ResponseWriter, o *Orchestrator, err error) {
	var netErr *NetworkError
	switch {
	case err == nil, errors.As(err, &netErr), errors.Is(err, ErrCanceled), errors.Is(err, ErrNothingToRetry):
		writeJSON(w, http.StatusOK, o.Snapshot())
	default:
		writeError(w, err)
	}
}

func readInput(r *http.Request) (Input, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var payload struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			return Input{}, errors.New("invalid json")
		}
		return Input{Text: payload.Message}, nil
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return Input{}, errors.New("invalid multipart form")
	}
	in := Input{Text: r.FormValue("message")}

	file, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return in, nil
	}
	if err != nil {
		return Input{}, errors.New("invalid image")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return Input{}, errors.New("invalid image")
	}
	in.Image = &Image{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}
	return in, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrEmptyInput):
		status = http.StatusBadRequest
	case errors.Is(err, ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, ErrChatbotInactive), errors.Is(err, ErrImagesNotAccepted):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ErrChatbotNotFound), errors.Is(err, ErrConversationNotFound), errors.Is(err, ErrMessageNotFound):
		status = http.StatusNotFound
	default:
		log.Error().Err(err).Msg("request failed")
	}
	http.Error(w, err.Error(), status)
}
