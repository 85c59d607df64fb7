package chat

import "github.com/go-chi/chi/v5"

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Route("/chatbots/{chatbotID}", func(r chi.Router) {
		r.Get("/conversation", h.GetConversation)
		r.Delete("/conversation", h.ClearConversation)
		r.Post("/messages", h.SendMessage)
		r.Post("/voice", h.SendVoice)
		r.Post("/retry", h.Retry)
		r.Post("/cancel", h.Cancel)
		r.Post("/videos", h.CompleteVideo)
		r.Get("/images/{imageID}", h.GetImage)
	})
	r.Get("/conversations/{conversationID}", h.GetConversationByID)
}
