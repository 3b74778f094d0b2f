// Package transport speaks the remote API's single-endpoint JSON protocol.
//
// Every call is a POST of {key, session, controller, action, ...params} and
// every answer is an envelope {success, data}. Failures are classified into
// ErrNetworkUnavailable and *ServerRejectedError so callers can decide between
// degrading to local state and surfacing the error.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// TokenField is the wire field carrying a write's idempotency token.
const TokenField = "request_token"

// SessionFunc returns the current session token, or "" when signed out.
type SessionFunc func(ctx context.Context) string

// Config configures a Client.
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	Session SessionFunc
	// HTTPClient overrides the default client. Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client performs calls against the remote endpoint.
type Client struct {
	url     string
	apiKey  string
	session SessionFunc
	client  *http.Client
}

// Request is one logical call.
type Request struct {
	Controller string
	Action     string
	// Params is a JSON object whose top-level keys are spread into the body.
	Params json.RawMessage
	// Token, when set, is sent as TokenField.
	Token string
}

// File is the binary part of an upload.
type File struct {
	Name    string
	Content io.Reader
	// Fields are extra form values sent alongside the file.
	Fields map[string]string
}

// New creates a Client.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	session := cfg.Session
	if session == nil {
		session = func(context.Context) string { return "" }
	}

	return &Client{
		url:     cfg.URL,
		apiKey:  cfg.APIKey,
		session: session,
		client:  httpClient,
	}
}

// URL returns the configured endpoint.
func (c *Client) URL() string {
	return c.url
}

// Call sends req and returns the envelope's data field.
func (c *Client) Call(ctx context.Context, req Request) (json.RawMessage, error) {
	if c.url == "" {
		return nil, networkError("call", fmt.Errorf("endpoint URL not configured"))
	}

	body, err := c.encodeBody(ctx, req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	return c.do(httpReq, req.Controller, req.Action)
}

// Upload sends file as a multipart form carrying the same identifying fields
// as Call. Uploads are addressed to the "upload" controller.
func (c *Client) Upload(ctx context.Context, action string, file File) (json.RawMessage, error) {
	if c.url == "" {
		return nil, networkError("upload", fmt.Errorf("endpoint URL not configured"))
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"key":        c.apiKey,
		"session":    c.session(ctx),
		"controller": "upload",
		"action":     action,
	}
	for k, v := range file.Fields {
		fields[k] = v
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write field %s: %w", k, err)
		}
	}

	name := file.Name
	if name == "" {
		name = "upload"
	}
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return nil, fmt.Errorf("create file part: %w", err)
	}
	if file.Content != nil {
		if _, err := io.Copy(part, file.Content); err != nil {
			return nil, fmt.Errorf("copy file content: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &buf)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	httpReq.Header.Set("Accept", "application/json")

	return c.do(httpReq, "upload", action)
}

// Ping is the heartbeat's connectivity check. A rejected ping still proves
// the endpoint is reachable, so only ErrNetworkUnavailable is returned.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, Request{Controller: "system", Action: "ping"})
	if err != nil && !errors.Is(err, ErrServerRejected) {
		return err
	}
	return nil
}

func (c *Client) encodeBody(ctx context.Context, req Request) ([]byte, error) {
	body := []byte(`{}`)

	var err error
	for _, f := range []struct{ key, value string }{
		{"key", c.apiKey},
		{"session", c.session(ctx)},
		{"controller", req.Controller},
		{"action", req.Action},
	} {
		if body, err = sjson.SetBytes(body, f.key, f.value); err != nil {
			return nil, fmt.Errorf("encode %s: %w", f.key, err)
		}
	}

	if len(req.Params) > 0 {
		params := gjson.ParseBytes(req.Params)
		if !params.IsObject() {
			return nil, fmt.Errorf("params must be a JSON object")
		}
		params.ForEach(func(k, v gjson.Result) bool {
			body, err = sjson.SetRawBytes(body, EscapeKey(k.String()), []byte(v.Raw))
			return err == nil
		})
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
	}

	if req.Token != "" {
		if body, err = sjson.SetBytes(body, TokenField, req.Token); err != nil {
			return nil, fmt.Errorf("encode token: %w", err)
		}
	}

	return body, nil
}

func (c *Client) do(req *http.Request, controller, action string) (json.RawMessage, error) {
	start := time.Now()

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		slog.Debug("remote call failed",
			"component", "transport",
			"controller", controller,
			"action", action,
			"error", err,
		)
		return nil, networkError(controller+"/"+action, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkError(controller+"/"+action, fmt.Errorf("read body: %w", err))
	}

	slog.Debug("remote call",
		"component", "transport",
		"controller", controller,
		"action", action,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, networkError(controller+"/"+action, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	return decodeEnvelope(raw, controller, action)
}

// decodeEnvelope extracts data from a {success, data} envelope.
func decodeEnvelope(raw []byte, controller, action string) (json.RawMessage, error) {
	if !gjson.ValidBytes(raw) {
		return nil, networkError(controller+"/"+action, fmt.Errorf("malformed envelope"))
	}

	envelope := gjson.ParseBytes(raw)
	if !envelope.IsObject() {
		return nil, networkError(controller+"/"+action, fmt.Errorf("envelope is not an object"))
	}

	data := json.RawMessage("null")
	if d := envelope.Get("data"); d.Exists() {
		data = json.RawMessage(d.Raw)
	}

	if envelope.Get("success").Type != gjson.True {
		return nil, &ServerRejectedError{Controller: controller, Action: action, Data: data}
	}

	return data, nil
}

// EscapeKey escapes a literal object key for use as an sjson path.
func EscapeKey(key string) string {
	var b bytes.Buffer
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', ':', '!', '=', '<', '>', '%', '[', ']', '{', '}', '(', ')', ',', '"', '^', '~':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
