package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/hubstream/internal/media"
	"github.com/jmylchreest/hubstream/internal/rebroadcast"
)

// StreamManager owns the rebroadcast sessions behind the streams API.
type StreamManager interface {
	SessionLister
	Get(id string) (*rebroadcast.Session, bool)
	GetOrCreate(ctx context.Context, in media.Input) (*rebroadcast.Session, bool, error)
	CloseSession(id string) error
}

// StreamHandler handles rebroadcast session endpoints.
type StreamHandler struct {
	manager StreamManager
	logger  *slog.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(manager StreamManager) *StreamHandler {
	return &StreamHandler{
		manager: manager,
		logger:  slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *StreamHandler) WithLogger(logger *slog.Logger) *StreamHandler {
	h.logger = logger
	return h
}

// Register registers the stream routes with the API.
func (h *StreamHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listStreams",
		Method:      "GET",
		Path:        "/api/v1/streams",
		Summary:     "List rebroadcast sessions",
		Tags:        []string{"Streams"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getStream",
		Method:      "GET",
		Path:        "/api/v1/streams/{id}",
		Summary:     "Get a rebroadcast session",
		Tags:        []string{"Streams"},
	}, h.GetByID)

	huma.Register(api, huma.Operation{
		OperationID:   "createStream",
		Method:        "POST",
		Path:          "/api/v1/streams",
		Summary:       "Get or create a rebroadcast session",
		Description:   "Returns the session already serving the source URL, or spawns a transcoder for it. Clients connect to the returned tcp:// URL for MPEG-TS.",
		Tags:          []string{"Streams"},
		DefaultStatus: http.StatusOK,
	}, h.Create)

	huma.Register(api, huma.Operation{
		OperationID:   "deleteStream",
		Method:        "DELETE",
		Path:          "/api/v1/streams/{id}",
		Summary:       "Tear down a rebroadcast session",
		Description:   "Kills the transcoder and disconnects every client.",
		Tags:          []string{"Streams"},
		DefaultStatus: http.StatusNoContent,
	}, h.Delete)
}

// ListStreamsInput is the input for listing sessions.
type ListStreamsInput struct{}

// ListStreamsOutput is the output for listing sessions.
type ListStreamsOutput struct {
	Body struct {
		Streams []StreamResponse `json:"streams"`
		Count   int              `json:"count"`
	}
}

// List returns every active session.
func (h *StreamHandler) List(_ context.Context, _ *ListStreamsInput) (*ListStreamsOutput, error) {
	sessions := h.manager.Sessions()

	resp := &ListStreamsOutput{}
	resp.Body.Streams = make([]StreamResponse, 0, len(sessions))
	for _, s := range sessions {
		resp.Body.Streams = append(resp.Body.Streams, s.Stats())
	}
	resp.Body.Count = len(resp.Body.Streams)
	return resp, nil
}

// StreamIDInput identifies a session.
type StreamIDInput struct {
	ID string `path:"id" doc:"Session ID (ULID)"`
}

// GetStreamOutput is the output for a single session.
type GetStreamOutput struct {
	Body StreamResponse
}

// GetByID returns one session.
func (h *StreamHandler) GetByID(_ context.Context, input *StreamIDInput) (*GetStreamOutput, error) {
	s, ok := h.manager.Get(input.ID)
	if !ok {
		return nil, huma.Error404NotFound(fmt.Sprintf("stream %s not found", input.ID))
	}
	return &GetStreamOutput{Body: s.Stats()}, nil
}

// CreateStreamInput is the input for creating a session.
type CreateStreamInput struct {
	Body CreateStreamRequest
}

// CreateStreamOutput is the output for creating a session.
type CreateStreamOutput struct {
	Body CreateStreamResponse
}

// Create returns the session for the requested source, starting one if needed.
func (h *StreamHandler) Create(ctx context.Context, input *CreateStreamInput) (*CreateStreamOutput, error) {
	in := media.Input{URL: input.Body.URL, InputArgs: input.Body.InputArgs}
	if err := in.Validate(); err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}

	s, created, err := h.manager.GetOrCreate(ctx, in)
	if err != nil {
		switch {
		case errors.Is(err, media.ErrInvalidInput):
			return nil, huma.Error400BadRequest(err.Error())
		case errors.Is(err, rebroadcast.ErrSessionClosed):
			return nil, huma.Error503ServiceUnavailable("rebroadcast manager is shutting down")
		default:
			h.logger.Warn("starting rebroadcast session failed",
				slog.String("source", in.Redacted()),
				slog.String("error", err.Error()))
			return nil, huma.Error502BadGateway("failed to start transcoder", err)
		}
	}

	if created {
		h.logger.Info("rebroadcast session created via api",
			slog.String("session_id", s.ID),
			slog.String("source", in.Redacted()))
	}
	return &CreateStreamOutput{Body: CreateStreamResponse{Created: created, Stream: s.Stats()}}, nil
}

// DeleteStreamOutput is empty; the status carries the result.
type DeleteStreamOutput struct{}

// Delete tears down a session.
func (h *StreamHandler) Delete(_ context.Context, input *StreamIDInput) (*DeleteStreamOutput, error) {
	if err := h.manager.CloseSession(input.ID); err != nil {
		if errors.Is(err, rebroadcast.ErrSessionNotFound) {
			return nil, huma.Error404NotFound(fmt.Sprintf("stream %s not found", input.ID))
		}
		return nil, huma.Error500InternalServerError("failed to close stream", err)
	}
	return &DeleteStreamOutput{}, nil
}
