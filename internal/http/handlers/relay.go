package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
)

// RelayHandler exposes the RTSP relay's published paths.
type RelayHandler struct {
	relay PathLister
}

// NewRelayHandler creates a new relay handler.
func NewRelayHandler(relay PathLister) *RelayHandler {
	return &RelayHandler{relay: relay}
}

// Register registers the relay routes with the API.
func (h *RelayHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listRelayPaths",
		Method:      "GET",
		Path:        "/api/v1/relay/paths",
		Summary:     "List RTSP relay paths",
		Description: "Returns each published path with its source, tracks and reader count",
		Tags:        []string{"Relay"},
	}, h.ListPaths)
}

// ListRelayPathsInput is the input for listing relay paths.
type ListRelayPathsInput struct{}

// ListRelayPathsOutput is the output for listing relay paths.
type ListRelayPathsOutput struct {
	Body struct {
		Paths []RelayPathResponse `json:"paths"`
		Count int                 `json:"count"`
	}
}

// ListPaths returns the published paths ordered by name.
func (h *RelayHandler) ListPaths(_ context.Context, _ *ListRelayPathsInput) (*ListRelayPathsOutput, error) {
	resp := &ListRelayPathsOutput{}
	resp.Body.Paths = append([]RelayPathResponse{}, h.relay.Paths()...)
	resp.Body.Count = len(resp.Body.Paths)
	return resp, nil
}
