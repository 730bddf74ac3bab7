package server

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	v1 "github.com/gosuda/chatrelay/internal/api/v1"
	"github.com/gosuda/chatrelay/internal/api/ws"
	"github.com/gosuda/chatrelay/internal/store/postgres"
)

func registerAPIRoutes(api huma.API, store *postgres.Store) {
	v1.RegisterSessionRoutes(api, store)
}

func registerWSRoutes(r chi.Router, relay *ws.Relay) {
	r.Get("/session/{sessionID}", relay.ServeSession)
	r.Get("/watch/{sessionID}", relay.ServeWatch)
}
