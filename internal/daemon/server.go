package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mkoga/stallmux/internal/api"
	"github.com/mkoga/stallmux/internal/config"
	"github.com/mkoga/stallmux/internal/db"
	"github.com/mkoga/stallmux/internal/event"
	"github.com/mkoga/stallmux/internal/liveness"
	"github.com/mkoga/stallmux/internal/model"
	"github.com/mkoga/stallmux/internal/orchestrator"
)

const defaultEventsLimit = 50

// Server exposes the monitor over a unix socket: health, live status,
// response-event ingest, the target registry, and recent alerts.
type Server struct {
	cfg     config.Config
	httpSrv *http.Server

	tracker *liveness.Tracker
	orch    *orchestrator.Orchestrator
	bus     *event.Bus
	store   *db.Store

	streamID string

	mu            sync.Mutex
	listener      net.Listener
	lockFile      *os.File
	warnedUnknown map[string]struct{}

	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, tracker *liveness.Tracker, orch *orchestrator.Orchestrator, bus *event.Bus, store *db.Store) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:           cfg,
		tracker:       tracker,
		orch:          orch,
		bus:           bus,
		store:         store,
		streamID:      uuid.NewString(),
		warnedUnknown: map[string]struct{}{},
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/status", s.statusHandler)
	mux.HandleFunc("/v1/events", s.eventsHandler)
	mux.HandleFunc("/v1/targets", s.targetsHandler)
	return s
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()      //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	report := s.orch.LastReport()
	resp := api.StatusEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		ReportedAt:    report.GeneratedAt,
		Targets:       make([]api.TargetStatusItem, 0, len(report.Targets)),
		Queue: api.QueueStatusItem{
			Size:     report.QueueDepth,
			InFlight: report.InFlight,
		},
		TierCounts: make(map[string]int, len(report.TierCounts)),
	}
	for _, t := range report.Targets {
		resp.Targets = append(resp.Targets, api.TargetStatusItem{
			TargetID:           t.TargetID,
			Status:             string(t.Status),
			Severity:           string(t.Severity),
			SilenceSeconds:     int64(t.Silence / time.Second),
			ConsecutiveStalls:  t.ConsecutiveStalls,
			MitigationAttempts: t.MitigationAttempts,
		})
	}
	for tier, count := range report.TierCounts {
		resp.TierCounts[string(tier)] = count
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.ingestResponseEvent(w, r)
	case http.MethodGet:
		s.listEvents(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// ingestResponseEvent is the inbound collaborator interface: a detected
// target response. Unknown targets are acknowledged but not tracked, and
// warned about exactly once each.
func (s *Server) ingestResponseEvent(w http.ResponseWriter, r *http.Request) {
	var req api.ResponseEventRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	targetID := strings.TrimSpace(req.TargetID)
	if targetID == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "target_id is required")
		return
	}
	at := time.Now().UTC()
	if strings.TrimSpace(req.Timestamp) != "" {
		parsed, err := time.Parse(time.RFC3339Nano, req.Timestamp)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "timestamp must be RFC3339")
			return
		}
		at = parsed.UTC()
	}

	if !s.tracker.Known(targetID) {
		s.warnUnknownOnce(targetID, at)
		s.writeJSON(w, http.StatusAccepted, api.IngestResponse{
			SchemaVersion: "v1",
			GeneratedAt:   time.Now().UTC(),
			Accepted:      false,
		})
		return
	}
	s.tracker.RecordResponse(targetID, at)
	s.writeJSON(w, http.StatusOK, api.IngestResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Accepted:      true,
	})
}

func (s *Server) warnUnknownOnce(targetID string, at time.Time) {
	s.mu.Lock()
	_, warned := s.warnedUnknown[targetID]
	if !warned {
		s.warnedUnknown[targetID] = struct{}{}
	}
	s.mu.Unlock()
	if warned || s.bus == nil {
		return
	}
	s.bus.Emit(event.New(model.EventUnknownTarget, targetID, model.ErrUnknownTarget,
		fmt.Sprintf("response event for unregistered target %s", targetID), at))
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventsLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "limit must be a positive integer")
			return
		}
		limit = n
	}

	var events []model.AlertEvent
	if s.store != nil {
		stored, err := s.store.ListAlerts(r.Context(), limit)
		if err == nil {
			events = stored
		}
	}
	if events == nil && s.bus != nil {
		events = s.bus.Recent(limit)
	}

	resp := api.EventsEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Events:        make([]api.AlertItem, 0, len(events)),
	}
	for _, ev := range events {
		resp.Events = append(resp.Events, api.AlertItem{
			EventID:   ev.EventID,
			EventType: ev.EventType,
			TargetID:  ev.TargetID,
			Code:      ev.Code,
			Message:   ev.Message,
			EmittedAt: ev.EmittedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) targetsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	now := time.Now().UTC()
	resp := api.TargetsEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   now,
	}
	for _, t := range s.cfg.ModelTargets(now) {
		resp.Targets = append(resp.Targets, api.TargetResponse{
			TargetID:      t.TargetID,
			TargetName:    t.TargetName,
			Kind:          string(t.Kind),
			ConnectionRef: t.ConnectionRef,
			PaneRef:       t.PaneRef,
			UpdatedAt:     t.UpdatedAt.Format(time.RFC3339Nano),
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
