// Package devserver is an in-memory workout results API that speaks the
// same single-endpoint envelope protocol as the production backend. It is
// used for local development and as the remote in end-to-end tests.
package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tidwall/gjson"

	"github.com/hyperengineering/liftlog/internal/transport"
)

const (
	maxBodyBytes   = 1 << 20
	maxUploadBytes = 10 << 20
)

var (
	errNotFound    = errors.New("result not found")
	errMissingID   = errors.New("id is required")
	errInvalidKey  = errors.New("invalid api key")
	errUnknownCall = errors.New("unknown call")
)

// Config configures a Server.
type Config struct {
	// APIKey, when set, must match the key field of every call.
	APIKey string
}

// Record is one stored workout result. Keys are the params it was created
// with plus "id".
type Record map[string]json.RawMessage

// Upload records a received file.
type Upload struct {
	Action string            `json:"action"`
	Name   string            `json:"name"`
	Size   int64             `json:"size"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Server holds the in-memory API state.
type Server struct {
	apiKey  string
	offline atomic.Bool

	mu      sync.Mutex
	results map[string]Record
	order   []string
	tokens  map[string]json.RawMessage
	uploads []Upload
	calls   map[string]int
}

// New creates a Server.
func New(cfg Config) *Server {
	return &Server{
		apiKey:  cfg.APIKey,
		results: make(map[string]Record),
		tokens:  make(map[string]json.RawMessage),
		calls:   make(map[string]int),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return NewRouter(s)
}

// SetOffline switches the API endpoint between serving and answering 503.
func (s *Server) SetOffline(offline bool) {
	s.offline.Store(offline)
	slog.Info("devserver availability changed",
		"component", "devserver",
		"action", "set_offline",
		"offline", offline,
	)
}

// Offline reports whether the API endpoint is switched off.
func (s *Server) Offline() bool {
	return s.offline.Load()
}

// Calls returns how many times controller/action was answered.
func (s *Server) Calls(controller, action string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[controller+"/"+action]
}

// Results returns a copy of every stored record in creation order.
func (s *Server) Results() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.results[id].clone())
	}
	return out
}

// Uploads returns every received upload.
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

// Health handles GET /health
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	count := len(s.results)
	s.mu.Unlock()

	status := "ok"
	if s.Offline() {
		status = "offline"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"results": count,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// Dispatch handles POST /api. JSON bodies are routed by controller and
// action; multipart bodies are uploads.
func (s *Server) Dispatch(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		s.upload(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Unreadable body")
		return
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		WriteProblem(w, r, http.StatusBadRequest, "Body must be a JSON object")
		return
	}

	req := gjson.ParseBytes(body)
	if !s.authorized(req.Get("key").String()) {
		writeRejection(w, errInvalidKey.Error())
		return
	}

	controller := req.Get("controller").String()
	action := req.Get("action").String()
	token := req.Get(transport.TokenField).String()

	params := make(map[string]json.RawMessage)
	req.ForEach(func(k, v gjson.Result) bool {
		switch k.String() {
		case "key", "session", "controller", "action", transport.TokenField:
		default:
			params[k.String()] = json.RawMessage(v.Raw)
		}
		return true
	})

	data, err := s.apply(controller, action, token, params)
	if err != nil {
		slog.Debug("call rejected",
			"component", "devserver",
			"action", "reject",
			"call", controller+"/"+action,
			"error", err,
		)
		writeRejection(w, err.Error())
		return
	}
	writeSuccess(w, data)
}

func (s *Server) authorized(key string) bool {
	return s.apiKey == "" || constantTimeEqual(key, s.apiKey)
}

// apply runs one call. A write whose token was already applied answers with
// the first result instead of being applied again.
func (s *Server) apply(controller, action, token string, params map[string]json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call := controller + "/" + action
	s.calls[call]++

	if token != "" {
		if data, ok := s.tokens[token]; ok {
			return data, nil
		}
	}

	var (
		data any
		err  error
	)
	switch call {
	case "system/ping":
		data = map[string]bool{"pong": true}
	case "create/addresults":
		data = s.create(params)
	case "view/selectresults":
		data, err = s.view(params)
	case "edit/changeresults":
		data, err = s.edit(params)
	case "delete/removeresults":
		data, err = s.remove(params)
	default:
		err = fmt.Errorf("%w %s", errUnknownCall, call)
	}
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	if token != "" {
		s.tokens[token] = raw
	}
	return raw, nil
}

func (s *Server) create(params map[string]json.RawMessage) Record {
	id := ulid.Make().String()
	rec := make(Record, len(params)+1)
	for k, v := range params {
		rec[k] = v
	}
	rec["id"] = mustJSON(id)

	s.results[id] = rec
	s.order = append(s.order, id)
	return rec.clone()
}

func (s *Server) view(params map[string]json.RawMessage) (any, error) {
	if _, ok := params["id"]; !ok {
		out := make([]Record, 0, len(s.order))
		for _, id := range s.order {
			out = append(out, s.results[id].clone())
		}
		return out, nil
	}

	rec, _, err := s.lookup(params)
	if err != nil {
		return nil, err
	}
	return rec.clone(), nil
}

func (s *Server) edit(params map[string]json.RawMessage) (any, error) {
	rec, _, err := s.lookup(params)
	if err != nil {
		return nil, err
	}
	for k, v := range params {
		if k == "id" {
			continue
		}
		rec[k] = v
	}
	return rec.clone(), nil
}

func (s *Server) remove(params map[string]json.RawMessage) (any, error) {
	_, id, err := s.lookup(params)
	if err != nil {
		return nil, err
	}

	delete(s.results, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return map[string]any{"id": id, "deleted": true}, nil
}

func (s *Server) lookup(params map[string]json.RawMessage) (Record, string, error) {
	raw, ok := params["id"]
	if !ok {
		return nil, "", errMissingID
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil || id == "" {
		return nil, "", errMissingID
	}
	rec, ok := s.results[id]
	if !ok {
		return nil, id, fmt.Errorf("%w: %s", errNotFound, id)
	}
	return rec, id, nil
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Malformed multipart body")
		return
	}
	if !s.authorized(r.FormValue("key")) {
		writeRejection(w, errInvalidKey.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeRejection(w, "file is required")
		return
	}
	defer file.Close()

	size, err := io.Copy(io.Discard, file)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Unreadable file part")
		return
	}

	up := Upload{
		Action: r.FormValue("action"),
		Name:   header.Filename,
		Size:   size,
	}
	for k, v := range r.MultipartForm.Value {
		switch k {
		case "key", "session", "controller", "action":
			continue
		}
		if up.Fields == nil {
			up.Fields = make(map[string]string)
		}
		up.Fields[k] = v[0]
	}

	s.mu.Lock()
	s.uploads = append(s.uploads, up)
	s.calls["upload/"+up.Action]++
	s.mu.Unlock()

	writeSuccess(w, up)
}

func (rec Record) clone() Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
