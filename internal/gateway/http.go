package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server serves the gateway over HTTP. Buffered JSON endpoints cover simple
// clients; the SSE endpoints stream events as they happen.
type Server struct {
	gw   *Gateway
	log  *slog.Logger
	http *http.Server
}

// NewServer builds the HTTP surface on addr.
func NewServer(gw *Gateway, addr string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{gw: gw, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/index/status", s.handleStatus)
	mux.HandleFunc("POST /v1/query", s.handleQuery)
	mux.HandleFunc("POST /v1/query/stream", s.handleQueryStream)
	mux.HandleFunc("POST /v1/bug/stream", s.handleBugStream)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: SSE responses stay open as long as the model
		// streams; per-request contexts bound the work instead.
	}
	return s
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.gw.IndexStatus(r.Context(), r.URL.Query()["path"]...)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleQuery answers in one buffered JSON response.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	var events []Event
	err := s.gw.Query(r.Context(), req, func(e Event) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := struct {
		References []any    `json:"references"`
		Warnings   []string `json:"warnings,omitempty"`
		Answer     string   `json:"answer,omitempty"`
	}{References: []any{}}
	for _, e := range events {
		switch e.Type {
		case "references":
			for _, ref := range e.References {
				resp.References = append(resp.References, ref)
			}
			resp.Warnings = e.Warnings
		case "delta":
			resp.Answer += e.Delta
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	s.streamEvents(w, r, func(send func(Event) error) error {
		return s.gw.Query(r.Context(), req, send)
	})
}

func (s *Server) handleBugStream(w http.ResponseWriter, r *http.Request) {
	var req BugRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	s.streamEvents(w, r, func(send func(Event) error) error {
		return s.gw.BugSolve(r.Context(), req, send)
	})
}

// streamEvents writes each event as one SSE data frame, flushing as it goes.
// A client disconnect cancels the request context and aborts the run.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, run func(send func(Event) error) error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	err := run(func(e Event) error {
		if err := r.Context().Err(); err != nil {
			return err
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		// Headers are gone; surface the failure as a terminal event.
		data, _ := json.Marshal(Event{Type: "error", Delta: err.Error()})
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
		s.log.Warn("stream failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.log.Warn("request failed", "status", code, "error", err)
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
