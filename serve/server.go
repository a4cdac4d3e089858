package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	appbuilder "github.com/Paranoid-AF/appbuilder"
	"github.com/Paranoid-AF/appbuilder/negotiate"
	"github.com/Paranoid-AF/appbuilder/prompt"
)

// Detail messages returned to the frontend.
const (
	detailNotInitialized = "Gemini model not initialized. Check API Key."
	detailInvalidJSON    = "Invalid JSON response from AI model."
	detailUnavailable    = "AI model request failed."
	detailUnexpected     = "An unexpected error occurred: "
)

const maxBodyBytes = 10 << 20

// Negotiator turns a rendered prompt into the model's action.
type Negotiator interface {
	Negotiate(ctx context.Context, prompt string) (json.RawMessage, error)
}

// Server is the HTTP boundary of the backend.
type Server struct {
	http       *http.Server
	router     chi.Router
	negotiator Negotiator
	formatter  *prompt.Formatter
	origins    []string
}

// NewServer creates a server for addr. negotiator may be nil when the model
// failed to initialize; chat requests then fail with a 500.
func NewServer(addr string, negotiator Negotiator, formatter *prompt.Formatter, origins []string) *Server {
	if formatter == nil {
		formatter = prompt.New()
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s := &Server{
		negotiator: negotiator,
		formatter:  formatter,
		origins:    origins,
	}
	s.setupRoutes()
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{requestIDHeader},
		AllowCredentials: true,
		MaxAge:           600,
	}))

	r.Get("/", s.handleRoot)
	r.Get("/api/hello", s.handleHello)
	r.Post("/api/chat", s.handleChat)

	s.router = r
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on ln until the server is shut down.
func (s *Server) Serve(ln net.Listener) error {
	err := s.http.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on the configured address and serves requests.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, appbuilder.Message{Message: "AI App Builder Backend is running!"})
}

func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, appbuilder.Message{Message: "Hello from the Backend!"})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	// Checked first so an unconfigured server does no work at all.
	if s.negotiator == nil {
		writeDetail(w, http.StatusInternalServerError, detailNotInitialized)
		return
	}

	req, err := decodeChatRequest(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeNegotiationError(w, r, err)
		return
	}

	rendered := s.formatter.Render(req.Context())
	slog.Debug("prompt", "rendered", rendered)

	action, err := s.negotiator.Negotiate(r.Context(), rendered)
	if err != nil {
		writeNegotiationError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, appbuilder.ChatResponse{Response: action})
}

// decodeChatRequest parses and validates a ChatRequest body. Failures are
// ValidationError values carrying the field list.
func decodeChatRequest(body io.Reader) (*appbuilder.ChatRequest, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, negotiate.NewValidationError([]appbuilder.FieldError{{
				Loc:  []string{"body"},
				Msg:  fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit),
				Type: "body_too_large",
			}}, err)
		}
		return nil, negotiate.NewValidationError([]appbuilder.FieldError{{Loc: []string{"body"}, Msg: err.Error(), Type: "body_read"}}, err)
	}

	var req appbuilder.ChatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, negotiate.NewValidationError([]appbuilder.FieldError{jsonFieldError(err)}, err)
	}
	if errs := req.Validate(); len(errs) > 0 {
		return nil, negotiate.NewValidationError(errs, nil)
	}
	return &req, nil
}

func jsonFieldError(err error) appbuilder.FieldError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return appbuilder.FieldError{
			Loc:  []string{"body", typeErr.Field},
			Msg:  fmt.Sprintf("Input should be a valid %s", typeErr.Type),
			Type: "type_error",
		}
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return appbuilder.FieldError{
			Loc:  []string{"body", strconv.FormatInt(syntaxErr.Offset, 10)},
			Msg:  "JSON decode error",
			Type: "json_invalid",
		}
	}
	return appbuilder.FieldError{Loc: []string{"body"}, Msg: err.Error(), Type: "json_invalid"}
}

// writeNegotiationError maps a request or negotiation failure to its HTTP response.
// Raw model output is logged by the negotiator and never written here.
func writeNegotiationError(w http.ResponseWriter, r *http.Request, err error) {
	kind := negotiate.KindOf(err)
	log := slog.With("request_id", requestIDFrom(r.Context()), "kind", string(kind), "error", err)

	switch kind {
	case negotiate.ConfigurationError:
		log.Error("model not configured")
		writeDetail(w, http.StatusInternalServerError, detailNotInitialized)
	case negotiate.MalformedModelOutput:
		log.Warn("rejected model reply")
		writeDetail(w, http.StatusInternalServerError, detailInvalidJSON)
	case negotiate.ModelUnavailable:
		if negotiate.IsCancellation(err) {
			log.Info("model call cancelled")
		} else {
			log.Error("model call failed")
		}
		writeDetail(w, http.StatusInternalServerError, detailUnavailable)
	case negotiate.ValidationError:
		var ne *negotiate.Error
		errors.As(err, &ne)
		log.Debug("invalid chat request", "fields", ne.Fields)
		status := http.StatusUnprocessableEntity
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, appbuilder.ErrorBody{Detail: ne.Fields})
	default:
		log.Error("unexpected negotiation error")
		writeDetail(w, http.StatusInternalServerError, detailUnexpected+err.Error())
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, appbuilder.ErrorBody{Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		http.Error(w, `{"detail":"failed to encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
