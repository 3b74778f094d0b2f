package devserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Problem represents an RFC 7807 Problem Details response. The devserver
// uses it only for HTTP-level failures; application failures travel inside
// the envelope.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]struct {
	typeURI string
	title   string
}{
	http.StatusBadRequest: {
		typeURI: "https://liftlog.dev/errors/bad-request",
		title:   "Bad Request",
	},
	http.StatusInternalServerError: {
		typeURI: "https://liftlog.dev/errors/internal-error",
		title:   "Internal Server Error",
	},
	http.StatusServiceUnavailable: {
		typeURI: "https://liftlog.dev/errors/service-unavailable",
		title:   "Service Unavailable",
	},
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	pt, ok := problemTypes[status]
	if !ok {
		pt = struct {
			typeURI string
			title   string
		}{
			typeURI: "https://liftlog.dev/errors/unknown",
			title:   http.StatusText(status),
		}
	}

	p := Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// envelope is the response shape every API call answers with.
type envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

// rejection is the data of a failed envelope.
type rejection struct {
	Message string `json:"message"`
}

func writeEnvelope(w http.ResponseWriter, success bool, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(envelope{Success: success, Data: data}); err != nil {
		slog.Error("failed to encode envelope", "error", err)
	}
}

func writeSuccess(w http.ResponseWriter, data any) {
	writeEnvelope(w, true, data)
}

func writeRejection(w http.ResponseWriter, message string) {
	writeEnvelope(w, false, rejection{Message: message})
}
