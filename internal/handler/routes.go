package handler

import (
	"github.com/go-chi/chi/v5"
)

// API groups the authenticated handlers.
type API struct {
	Conversations *ConversationHandler
	Messages      *MessageHandler
	Stream        *StreamHandler
	Documents     *DocumentHandler
	Events        *EventHandler
}

// Mount registers the API routes on r. Authentication is the caller's job.
func (a *API) Mount(r chi.Router) {
	r.Route("/conversations", func(r chi.Router) {
		r.Post("/", a.Conversations.Create)
		r.Get("/", a.Conversations.List)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.Conversations.Get)
			r.Put("/", a.Conversations.Update)
			r.Delete("/", a.Conversations.Delete)
			r.Get("/status", a.Conversations.Status)

			r.Get("/messages", a.Messages.List)
			r.Post("/messages", a.Messages.Send)

			r.Get("/stream", a.Stream.Stream)

			r.Post("/documents", a.Documents.Create)
			r.Get("/documents", a.Documents.List)
		})
	})

	r.Route("/documents/{docID}", func(r chi.Router) {
		r.Get("/", a.Documents.Get)
		r.Delete("/", a.Documents.Delete)
	})

	r.Route("/events", func(r chi.Router) {
		r.Post("/", a.Events.Create)
		r.Get("/", a.Events.List)
		r.Get("/{eventID}", a.Events.Get)
		r.Put("/{eventID}", a.Events.Update)
		r.Delete("/{eventID}", a.Events.Delete)
	})
}
