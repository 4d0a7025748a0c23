package whip

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ethanfield/compositor-core/internal/frame"
	"github.com/ethanfield/compositor-core/internal/pipeline"
	"github.com/ethanfield/compositor-core/internal/queue"
)

// Server exposes WHIP publish and WHEP play endpoints over HTTP, wiring
// each negotiated session into the given Pipeline. One Server can host any
// number of publish/play routes, each bound to one input or output ID.
type Server struct {
	pl     *pipeline.Pipeline
	logger *slog.Logger

	httpServer *http.Server

	mu       sync.Mutex
	sessions map[string]io.Closer
	outputs  map[queue.OutputID]pipeline.OutputSinks
}

// NewServer creates a Server bound to pl.
func NewServer(pl *pipeline.Pipeline, logger *slog.Logger) *Server {
	return &Server{
		pl:       pl,
		logger:   logger,
		sessions: make(map[string]io.Closer),
		outputs:  make(map[queue.OutputID]pipeline.OutputSinks),
	}
}

// RegisterOutputSinks makes outputID playable over WHEP at
// /whep/<outputID>. The sinks are read only by play sessions (see
// pumpOutput); until a viewer connects, nothing reads them.
func (s *Server) RegisterOutputSinks(outputID queue.OutputID, sinks pipeline.OutputSinks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[outputID] = sinks
}

// PublishOptions configures a WHIP publish route's input registration.
type PublishOptions struct {
	Resolution      frame.Resolution
	AudioSampleRate uint32
	AudioChannels   frame.Channels
	InputOptions    pipeline.InputOptions
}

// Start registers the WHIP/WHEP routes and begins serving on addr.
func (s *Server) Start(addr string, publishes map[queue.InputID]PublishOptions) error {
	mux := http.NewServeMux()

	for inputID, opts := range publishes {
		mux.HandleFunc("/whip/"+string(inputID), s.handlePublish(inputID, opts))
	}
	mux.HandleFunc("/whep/", s.handlePlay)
	mux.HandleFunc("/whip/session/", s.handleDelete)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.withLogging(mux),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("starting WHIP/WHEP HTTP server", "address", addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("whip/whep server error", "error", err)
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts down the HTTP server and every open session.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for id, sess := range s.sessions {
		sess.Close()
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handlePublish(inputID queue.InputID, opts PublishOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}

		_, handle, err := s.pl.RegisterInput(inputID, opts.InputOptions)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}

		ing, err := NewIngest(context.Background(), string(inputID), handle, opts.Resolution, opts.AudioSampleRate, opts.AudioChannels, s.logger)
		if err != nil {
			s.pl.UnregisterInput(inputID, nil)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		answer, err := ing.Answer(string(body))
		if err != nil {
			ing.Close()
			s.pl.UnregisterInput(inputID, nil)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		sessionID := uuid.NewString()
		s.mu.Lock()
		s.sessions[sessionID] = ing
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/sdp")
		w.Header().Set("Location", "/whip/session/"+sessionID)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(answer))
	}
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	outputID := queue.OutputID(strings.TrimPrefix(r.URL.Path, "/whep/"))
	s.mu.Lock()
	sinks, ok := s.outputs[outputID]
	s.mu.Unlock()
	if !ok {
		http.Error(w, fmt.Sprintf("unknown output %q", outputID), http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	eg, err := NewEgress(context.Background(), string(outputID), func() error {
		return s.pl.RequestKeyframe(outputID)
	}, s.logger)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	answer, err := eg.Answer(string(body))
	if err != nil {
		eg.Close()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	go s.pumpOutput(eg, sinks)

	sessionID := uuid.NewString()
	s.mu.Lock()
	s.sessions[sessionID] = eg
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/sdp")
	w.Header().Set("Location", "/whip/session/"+sessionID)
	w.WriteHeader(http.StatusCreated)
	w.Write([]byte(answer))
}

// pumpOutput drains one output's sinks into its Egress session until a
// sink closes. Closing the session does not stop it; later writes to the
// closed session's tracks fail and are logged. Each play request starts
// its own pump on the same sinks, so concurrent viewers of one output
// split its frames and batches between them.
func (s *Server) pumpOutput(eg *Egress, sinks pipeline.OutputSinks) {
	for {
		select {
		case ev, ok := <-sinks.Video:
			if !ok {
				return
			}
			if ev.IsEOS() || ev.Data.Data.Kind != frame.DataTexture {
				continue
			}
			data := s.pl.DownloadTexture(ev.Data.Data.Texture)
			if err := eg.WriteVideo(data, ev.Data.PTS); err != nil {
				s.logger.Warn("whep egress: write video failed", "error", err)
			}
		case ev, ok := <-sinks.Audio:
			if !ok {
				return
			}
			if ev.IsEOS() {
				continue
			}
			if err := eg.WriteAudio(ev.Data); err != nil {
				s.logger.Warn("whep egress: write audio failed", "error", err)
			}
		}
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := strings.TrimPrefix(r.URL.Path, "/whip/session/")
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	if err := sess.Close(); err != nil {
		s.logger.Warn("whip: error closing session", "session_id", sessionID, "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Info("whip/whep request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
