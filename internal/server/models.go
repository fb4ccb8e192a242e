package server

import (
	"net/http"
)

// handleListModels returns the single display model in OpenAI list format.
// The upstream serves exactly one model; the gateway advertises it under the
// configured display name.
func (s *server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, modelListResponse{
		Object: "list",
		Data: []modelEntry{
			{ID: s.deps.DisplayModel, Object: "model"},
		},
	})
}

type modelEntry struct {
	ID     string `json:"id"`
	Object string `json:"object"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
