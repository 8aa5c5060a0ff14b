package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/testmesh/conductor/pkg/dispatch"
)

// mapDispatchError maps the dispatch error taxonomy to HTTP status codes.
// This is the single place where error kinds become statuses.
func mapDispatchError(kind dispatch.Kind) int {
	switch kind {
	case dispatch.KindNoAgents, dispatch.KindNoneSuitable:
		return http.StatusNotFound
	case dispatch.KindReservationTimeout:
		return http.StatusServiceUnavailable
	case dispatch.KindTimedOut:
		return http.StatusRequestTimeout
	case dispatch.KindBadInput:
		return http.StatusBadRequest
	case dispatch.KindUnauthorized:
		return http.StatusUnauthorized
	case dispatch.KindAgentCrashed, dispatch.KindProtocolError, dispatch.KindAdapterFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// dispatchError writes an error response for a failed workflow call.
// Message and kind only; internal chains never reach clients.
func (s *Server) dispatchError(c *gin.Context, err error) {
	kind := dispatch.KindOf(err)
	status := mapDispatchError(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError && kind == "" {
		// Unclassified failure: do not echo internals.
		s.log.Error("unclassified workflow error", "error", err)
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": msg, "kind": string(kind)})
}

// badInput writes the BadInput response for a missing payload field.
// Input mistakes are the caller's problem and are not recorded as
// orchestrator errors.
func (s *Server) badInput(c *gin.Context, msg string) {
	s.log.Warn("bad request", "path", c.Request.URL.Path, "reason", msg)
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "kind": string(dispatch.KindBadInput)})
}
