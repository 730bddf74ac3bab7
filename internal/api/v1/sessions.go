package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/chatrelay/internal/domain"
)

type GetSessionInput struct {
	SessionID string `path:"sessionID" minLength:"1" doc:"Session ID"`
}

type GetSessionOutput struct {
	Body *domain.Session
}

type GetTranscriptInput struct {
	SessionID string `path:"sessionID" minLength:"1" doc:"Session ID"`
}

type GetTranscriptOutput struct {
	Body []domain.TranscriptEntry
}

// RegisterSessionRoutes wires the read-only session inspection API:
// the durable session record (including summary and duration once
// finalized) and the ordered event-log replay.
func RegisterSessionRoutes(api huma.API, store DataStore) {
	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{sessionID}",
		Summary:     "Get a session record",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *GetSessionInput) (*GetSessionOutput, error) {
		s, err := store.Sessions().GetSession(ctx, input.SessionID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("session not found")
			}
			return nil, huma.Error500InternalServerError("failed to load session", err)
		}

		return &GetSessionOutput{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session-transcript",
		Method:      http.MethodGet,
		Path:        "/sessions/{sessionID}/transcript",
		Summary:     "Replay a session's event log in order",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *GetTranscriptInput) (*GetTranscriptOutput, error) {
		if _, err := store.Sessions().GetSession(ctx, input.SessionID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("session not found")
			}
			return nil, huma.Error500InternalServerError("failed to load session", err)
		}

		entries, err := store.Sessions().GetTranscript(ctx, input.SessionID)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to load transcript", err)
		}
		if entries == nil {
			entries = []domain.TranscriptEntry{}
		}

		return &GetTranscriptOutput{Body: entries}, nil
	})
}
