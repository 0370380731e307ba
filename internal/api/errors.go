package api

import (
	"errors"
	"net/http"

	"github.com/bosonmesh/boson/internal/registry"
	"github.com/bosonmesh/boson/internal/routing"
	"github.com/bosonmesh/boson/internal/session"
)

// writeDomainError maps known domain errors to HTTP statuses. Lookup misses
// are 404, exhausted selection is 503, everything else is 500.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNodeNotFound):
		WriteError(w, http.StatusNotFound, "node not found")
	case errors.Is(err, session.ErrSessionNotFound):
		WriteError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, routing.ErrNoNodes):
		WriteError(w, http.StatusServiceUnavailable, "no active nodes available")
	case errors.Is(err, routing.ErrNoSuitableRoute):
		WriteError(w, http.StatusServiceUnavailable, "no suitable route")
	default:
		WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}
