package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/session-sync/internal/config"
	"github.com/astromechza/session-sync/internal/telemetry"
	"github.com/astromechza/session-sync/pkg/checkpoint"
	"github.com/astromechza/session-sync/pkg/register"
	"github.com/astromechza/session-sync/pkg/session"
	"github.com/astromechza/session-sync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	var cfg config.Relay
	if err := config.Load(&cfg, flag.CommandLine, os.Args[1:]); err != nil {
		return err
	}

	slog.Info("Opening database", "path", cfg.DatabasePath)
	db, err := checkpoint.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	s := &server{cfg: cfg, db: db, metrics: telemetry.New(), sessions: new(sync.Map)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.init(ctx); err != nil {
		return err
	}

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/sessions/{session}/latest").HandlerFunc(s.getSession)
	r.Methods(http.MethodGet).Path("/sessions/{session}/sync").HandlerFunc(s.syncSession)
	r.Methods(http.MethodGet).Path("/metrics").Handler(s.metrics.Handler())

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(cfg.ConfirmInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.sessions.Range(func(_, hubRaw any) bool {
					hubRaw.(*session.Hub).ConfirmAll()
					return true
				})
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(cfg.CheckpointInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.checkpointAll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	httpServer := &http.Server{Addr: cfg.Addr, Handler: r}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	_ = httpServer.Close()

	wg.Wait()

	s.checkpointAll(context.Background())
	s.sessions.Range(func(name, hubRaw any) bool {
		s.dump(name.(string), hubRaw.(*session.Hub))
		return true
	})
	return nil
}

type server struct {
	cfg      config.Relay
	db       *checkpoint.DB
	metrics  *telemetry.Metrics
	sessions *sync.Map
	create   sync.Mutex
}

// init restores every checkpointed session so that the first participant to
// reconnect catches up from durable state.
func (s *server) init(ctx context.Context) error {
	names, err := s.db.Sessions(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, err := s.hub(ctx, name); err != nil {
			return err
		}
	}
	slog.Info("Restored sessions", "count", len(names))
	return nil
}

// hub returns the hub for a session, creating it from its checkpoint on first use.
func (s *server) hub(ctx context.Context, name string) (*session.Hub, error) {
	if h, ok := s.sessions.Load(name); ok {
		return h.(*session.Hub), nil
	}
	s.create.Lock()
	defer s.create.Unlock()
	if h, ok := s.sessions.Load(name); ok {
		return h.(*session.Hub), nil
	}

	authority, err := session.NewAuthority(register.OriginID(s.cfg.Origin), s.metrics.Session(name))
	if err != nil {
		return nil, err
	}
	registers, vector, err := s.db.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(registers) > 0 || len(vector) > 0 {
		if err := authority.View(func(store *register.Store) error {
			return store.Restore(registers, vector)
		}); err != nil {
			return nil, fmt.Errorf("failed to restore session %q: %w", name, err)
		}
		slog.Info("restored", "session", name, "registers", len(registers))
	}
	h := session.NewHub(authority, s.cfg.SubscriberBuffer)
	s.sessions.Store(name, h)
	return h, nil
}

func (s *server) checkpointAll(ctx context.Context) {
	s.sessions.Range(func(name, hubRaw any) bool {
		err := hubRaw.(*session.Hub).Authority().View(func(store *register.Store) error {
			return s.db.Save(ctx, name.(string), store)
		})
		s.metrics.RecordCheckpoint(err)
		if err != nil {
			slog.Error("failed to checkpoint session", "session", name, "err", err)
		}
		return true
	})
}

func (s *server) dump(name string, h *session.Hub) {
	_ = h.Authority().View(func(store *register.Store) error {
		doc, err := checkpoint.ExportDoc(store)
		if err != nil {
			slog.Error("failed to export", "session", name, "err", err)
			return nil
		}
		tf := filepath.Join(os.TempDir(), name+".automerge")
		if err := os.WriteFile(tf, doc.Save(), 0o644); err != nil {
			slog.Error("failed to dump", "session", name, "err", err)
		} else {
			slog.Info("dumped", "session", name, "path", tf)
		}
		if !s.cfg.RenderOnExit {
			return nil
		}
		if svgPath, err := viz.RenderToTemp(store); err != nil {
			slog.Error("failed to render", "session", name, "err", err)
		} else {
			slog.Info("rendered", "session", name, "path", "file://"+svgPath)
		}
		return nil
	})
}

func (s *server) getSession(writer http.ResponseWriter, request *http.Request) {
	name := mux.Vars(request)["session"]
	hubRaw, ok := s.sessions.Load(name)
	if !ok {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	var raw []byte
	if err := hubRaw.(*session.Hub).Authority().View(func(store *register.Store) error {
		doc, err := checkpoint.ExportDoc(store)
		if err != nil {
			return err
		}
		raw = doc.Save()
		return nil
	}); err != nil {
		slog.Error("failed to export", "session", name, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(raw); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func (s *server) syncSession(writer http.ResponseWriter, request *http.Request) {
	name := mux.Vars(request)["session"]
	h, err := s.hub(request.Context(), name)
	if err != nil {
		slog.Error("failed to open session", "session", name, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	if err := h.Serve(request.Context(), conn); err != nil {
		slog.Error("failed to sync", "session", name, "err", err)
	}
}
