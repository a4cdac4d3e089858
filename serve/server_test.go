package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Paranoid-AF/appbuilder/negotiate"
	"github.com/Paranoid-AF/appbuilder/prompt"
)

// stubModel returns a fixed reply and counts calls.
type stubModel struct {
	mu      sync.Mutex
	reply   string
	err     error
	calls   int
	prompts []string
}

func (m *stubModel) Generate(_ context.Context, p string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.prompts = append(m.prompts, p)
	return m.reply, m.err
}

func (m *stubModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// stubNegotiator returns a fixed error.
type stubNegotiator struct {
	err error
}

func (s stubNegotiator) Negotiate(context.Context, string) (json.RawMessage, error) {
	return nil, s.err
}

const validBody = `{
	"prompt": "make a folder",
	"chatHistory": [{"sender": "user", "text": "hello"}],
	"currentWorkingDirectory": "/workspace",
	"fileSystemTree": "",
	"terminalOutput": ""
}`

func newTestServer(t *testing.T, model negotiate.Model) *Server {
	t.Helper()
	var n Negotiator
	if model != nil {
		n = negotiate.New(model, negotiate.Options{Strict: true})
	}
	return NewServer("127.0.0.1:0", n, prompt.New(), nil)
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestRootAndHello(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := do(t, srv, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"AI App Builder Backend is running!"}`, rec.Body.String())

	rec = do(t, srv, http.MethodGet, "/api/hello", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"Hello from the Backend!"}`, rec.Body.String())
}

func TestChatSuccess(t *testing.T) {
	model := &stubModel{reply: "```json\n{\"action\":\"run_command\",\"payload\":\"mkdir app\"}\n```"}
	srv := newTestServer(t, model)

	rec := do(t, srv, http.MethodPost, "/api/chat", validBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"response":{"action":"run_command","payload":"mkdir app"}}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	require.Equal(t, 1, model.callCount())
	assert.Contains(t, model.prompts[0], "user: hello")
	assert.Contains(t, model.prompts[0], "/workspace")
	assert.Contains(t, model.prompts[0], prompt.NoTerminalOutput)
}

func TestChatMalformedModelOutput(t *testing.T) {
	model := &stubModel{reply: "not json at all"}
	srv := newTestServer(t, model)

	rec := do(t, srv, http.MethodPost, "/api/chat", validBody)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"detail":"Invalid JSON response from AI model."}`, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "not json at all")
}

func TestChatInvalidActionIsMalformed(t *testing.T) {
	model := &stubModel{reply: `{"action":"format_disk"}`}
	srv := newTestServer(t, model)

	rec := do(t, srv, http.MethodPost, "/api/chat", validBody)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Invalid JSON response from AI model.", decodeBody(t, rec)["detail"])
}

func TestChatMissingFieldNoModelCall(t *testing.T) {
	model := &stubModel{reply: `{"action":"chat","payload":"hi"}`}
	srv := newTestServer(t, model)

	body := `{"prompt":"x","chatHistory":[],"fileSystemTree":"","terminalOutput":""}`
	rec := do(t, srv, http.MethodPost, "/api/chat", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, 0, model.callCount())

	detail, ok := decodeBody(t, rec)["detail"].([]any)
	require.True(t, ok)
	require.Len(t, detail, 1)
	loc := detail[0].(map[string]any)["loc"].([]any)
	assert.Equal(t, []any{"body", "currentWorkingDirectory"}, loc)
}

func TestChatInvalidBodies(t *testing.T) {
	model := &stubModel{reply: `{"action":"chat","payload":"hi"}`}
	srv := newTestServer(t, model)

	for name, body := range map[string]string{
		"empty":      "",
		"not json":   "hello",
		"array":      "[]",
		"wrong type": `{"prompt":1,"chatHistory":[],"currentWorkingDirectory":"","fileSystemTree":"","terminalOutput":""}`,
		"bad turn":   `{"prompt":"x","chatHistory":["hi"],"currentWorkingDirectory":"","fileSystemTree":"","terminalOutput":""}`,
		"null":       "null",
	} {
		t.Run(name, func(t *testing.T) {
			rec := do(t, srv, http.MethodPost, "/api/chat", body)
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
		})
	}
	assert.Equal(t, 0, model.callCount())
}

func TestChatBodyTooLarge(t *testing.T) {
	model := &stubModel{reply: `{"action":"chat","payload":"hi"}`}
	srv := newTestServer(t, model)

	body := `{"prompt":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	rec := do(t, srv, http.MethodPost, "/api/chat", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, 0, model.callCount())

	detail, ok := decodeBody(t, rec)["detail"].([]any)
	require.True(t, ok)
	require.Len(t, detail, 1)
	assert.Equal(t, "body_too_large", detail[0].(map[string]any)["type"])
}

func TestDecodeChatRequestValidationError(t *testing.T) {
	_, err := decodeChatRequest(strings.NewReader(`{"prompt":"x"}`))
	require.Error(t, err)
	assert.Equal(t, negotiate.ValidationError, negotiate.KindOf(err))

	var ne *negotiate.Error
	require.True(t, errors.As(err, &ne))
	assert.Len(t, ne.Fields, 4)

	_, err = decodeChatRequest(strings.NewReader("hello"))
	assert.True(t, negotiate.IsKind(err, negotiate.ValidationError))

	req, err := decodeChatRequest(strings.NewReader(validBody))
	require.NoError(t, err)
	assert.NotNil(t, req)
}

func TestChatModelNotInitialized(t *testing.T) {
	srv := newTestServer(t, nil)

	for _, body := range []string{validBody, `{}`} {
		rec := do(t, srv, http.MethodPost, "/api/chat", body)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.JSONEq(t, `{"detail":"Gemini model not initialized. Check API Key."}`, rec.Body.String())
	}
}

func TestChatModelUnavailable(t *testing.T) {
	model := &stubModel{err: errors.New("connection refused")}
	srv := newTestServer(t, model)

	rec := do(t, srv, http.MethodPost, "/api/chat", validBody)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "AI model request failed.", decodeBody(t, rec)["detail"])
	assert.Equal(t, 1, model.callCount())
}

func TestChatUnexpectedError(t *testing.T) {
	srv := NewServer("127.0.0.1:0", stubNegotiator{err: errors.New("boom")}, nil, nil)

	rec := do(t, srv, http.MethodPost, "/api/chat", validBody)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "An unexpected error occurred: boom", decodeBody(t, rec)["detail"])
}

func TestChatConfigurationErrorFromNegotiator(t *testing.T) {
	err := negotiate.NewError(negotiate.ConfigurationError, "model not initialized", nil)
	srv := NewServer("127.0.0.1:0", stubNegotiator{err: err}, nil, nil)

	rec := do(t, srv, http.MethodPost, "/api/chat", validBody)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, detailNotInitialized, decodeBody(t, rec)["detail"])
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := do(t, srv, http.MethodGet, "/", "")
	assert.Len(t, rec.Header().Get(requestIDHeader), 36)

	req := httptest.NewRequest(http.MethodGet, "/api/hello", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Less(t, rec.Code, 300)
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestUnknownRoute(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := do(t, srv, http.MethodGet, "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/chat", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServeAndShutdown(t *testing.T) {
	srv := newTestServer(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/hello")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Shutdown(context.Background()))
	assert.NoError(t, <-done)
}
