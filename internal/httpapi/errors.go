package httpapi

import (
	"encoding/json"
	"net/http"

	"mlxd/internal/engine"
	"mlxd/internal/manager"
	"mlxd/pkg/types"
)

// StatusClientClosedRequest is the nginx convention for a caller that
// canceled; there is no registered status code for it.
const StatusClientClosedRequest = 499

// HTTPError lets a service pick its own status code, bypassing the kind
// mapping.
type HTTPError interface {
	error
	StatusCode() int
}

// statusForError maps a manager or engine failure to an HTTP status plus the
// structured kind echoed in the payload.
func statusForError(err error) (int, string) {
	switch {
	case manager.IsBusy(err):
		return http.StatusTooManyRequests, ""
	case manager.IsNoLastRequest(err):
		return http.StatusConflict, ""
	}
	if he, ok := err.(HTTPError); ok {
		return he.StatusCode(), string(engine.KindOf(err))
	}
	kind := engine.KindOf(err)
	switch kind {
	case engine.KindInvalid:
		return http.StatusBadRequest, string(kind)
	case engine.KindNotFound:
		return http.StatusNotFound, string(kind)
	case engine.KindDownload:
		return http.StatusBadGateway, string(kind)
	case engine.KindUnavailable:
		return http.StatusServiceUnavailable, string(kind)
	case engine.KindMemory:
		return http.StatusInsufficientStorage, string(kind)
	case engine.KindCanceled:
		return StatusClientClosedRequest, string(kind)
	default:
		return http.StatusInternalServerError, string(kind)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg, kind string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg, Code: status, Kind: kind})
}

// writeError renders err with its mapped status, counting 429s against the
// backpressure metric.
func writeError(w http.ResponseWriter, err error) int {
	status, kind := statusForError(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure("busy")
	}
	writeJSONError(w, status, err.Error(), kind)
	return status
}
