package mpsd

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vovakirdan/xblsync/internal/multiplayer"
)

// Header names shared by Server and Client.
const (
	HeaderWriteMode = "X-Write-Mode"
	HeaderUser      = "X-Xbl-User"
	HeaderIfMatch   = "If-Match"
)

// SessionPath is the route of one session document.
const SessionPath = "/serviceconfigs/{scid}/sessionTemplates/{template}/sessions/{name}"

// Server exposes a session directory over HTTP.
type Server struct {
	service multiplayer.SessionService
	logger  *log.Logger
}

// NewServer wraps service. A nil logger falls back to log.Default().
func NewServer(service multiplayer.SessionService, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{service: service, logger: logger}
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET "+SessionPath, s.handleGetSession)
	mux.HandleFunc("PUT "+SessionPath, s.handlePutSession)
	mux.HandleFunc("PUT /handles/{id}/session", s.handlePutByHandle)
	return s.logRequests(mux)
}

// Mount adds the session routes to an existing mux under the root path.
func (s *Server) Mount(mux *http.ServeMux) {
	mux.Handle("/", s.Router())
}

type errorBody struct {
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	doc, err := s.service.GetCurrentSession(r.Context(), referenceFromPath(r))
	s.respond(w, doc, err)
}

func (s *Server) handlePutSession(w http.ResponseWriter, r *http.Request) {
	doc, mode, ok := s.decodeWrite(w, r)
	if !ok {
		return
	}
	doc.Reference = referenceFromPath(r)

	result, err := s.service.WriteSession(r.Context(), doc, mode)
	s.respond(w, result, err)
}

func (s *Server) handlePutByHandle(w http.ResponseWriter, r *http.Request) {
	doc, mode, ok := s.decodeWrite(w, r)
	if !ok {
		return
	}

	result, err := s.service.WriteSessionByHandle(r.Context(), doc, mode, r.PathValue("id"))
	s.respond(w, result, err)
}

func (s *Server) decodeWrite(w http.ResponseWriter, r *http.Request) (*multiplayer.SessionDocument, multiplayer.WriteMode, bool) {
	mode, err := multiplayer.ParseWriteMode(r.Header.Get(HeaderWriteMode))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Message: err.Error()})
		return nil, 0, false
	}

	doc := &multiplayer.SessionDocument{}
	if err := decodeJSON(r, doc); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Message: "invalid session document: " + err.Error()})
		return nil, 0, false
	}

	if raw := r.Header.Get(HeaderIfMatch); raw != "" {
		cn, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Message: "invalid If-Match change number"})
			return nil, 0, false
		}
		doc.ChangeNumber = cn
	}
	return doc, mode, true
}

// respond writes doc on success. A precondition failure is answered with the
// current document so the caller can adopt it.
func (s *Server) respond(w http.ResponseWriter, doc *multiplayer.SessionDocument, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, doc)
		return
	}

	status := http.StatusInternalServerError
	var se *multiplayer.ServiceError
	if errors.As(err, &se) {
		status = se.StatusCode
	}
	if errors.Is(err, multiplayer.ErrPreconditionFailed) && doc != nil {
		w.Header().Set("X-Error-Message", multiplayer.ErrorMessage(err))
		writeJSON(w, status, doc)
		return
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("session service failed", "err", err)
	}
	writeJSON(w, status, errorBody{Message: multiplayer.ErrorMessage(err)})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "user", r.Header.Get(HeaderUser), "duration", time.Since(start))
	})
}

func referenceFromPath(r *http.Request) multiplayer.SessionReference {
	return multiplayer.SessionReference{
		ServiceConfigID: r.PathValue("scid"),
		TemplateName:    r.PathValue("template"),
		SessionName:     r.PathValue("name"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}
