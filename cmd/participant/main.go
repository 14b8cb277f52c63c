package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astromechza/session-sync/internal/config"
	"github.com/astromechza/session-sync/internal/telemetry"
	"github.com/astromechza/session-sync/pkg/checkpoint"
	"github.com/astromechza/session-sync/pkg/predict"
	"github.com/astromechza/session-sync/pkg/register"
	"github.com/astromechza/session-sync/pkg/session"
)

var colors = []string{"red", "green", "blue", "yellow"}

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	var cfg config.Participant
	if err := config.Load(&cfg, flag.CommandLine, os.Args[1:]); err != nil {
		return err
	}
	if cfg.Origin == "" {
		cfg.Origin = uuid.NewString()
	}
	baseUrl, err := url.Parse("http://" + cfg.Addr)
	if err != nil {
		return err
	}

	if err := logLatest(baseUrl.JoinPath("sessions", cfg.Session, "latest")); err != nil {
		return err
	}

	participant, err := session.NewParticipant(
		register.OriginID(cfg.Origin), session.Avatar{}, nil,
		predict.WithCapacity(cfg.Capacity),
		predict.WithMaxPending(cfg.MaxPending),
	)
	if err != nil {
		return err
	}
	c := &client{
		cfg:         cfg,
		baseUrl:     baseUrl,
		participant: participant,
		out:         make(chan session.Envelope, cfg.MaxPending),
		metrics:     telemetry.New(),
	}
	slog.Info("joining", "session", cfg.Session, "origin", cfg.Origin)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.connectAndSyncContinuously(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.actContinuously(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeRandomlyContinuously(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.reportContinuously(ctx)
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: c.metrics.Handler()}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics listen failed", "err", err)
			}
		}()
	}

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	if metricsServer != nil {
		_ = metricsServer.Close()
	}

	wg.Wait()

	slog.Info("final state", "predicted", participant.Predicted(), "confirmed", participant.Confirmed(), "pending", participant.Pending())
	for key, value := range participant.Snapshot() {
		slog.Info("register", "key", key, "value", string(value))
	}
	return nil
}

// logLatest reports what the relay already holds for the session. A missing
// session is not an error: the first sync creates it.
func logLatest(u *url.URL) error {
	resp, err := http.DefaultClient.Get(u.String())
	if err != nil {
		return fmt.Errorf("failed to get: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read body from get: %w", err)
		}
		registers, vector, err := checkpoint.ReadDoc(raw)
		if err != nil {
			return err
		}
		slog.Info("established session", "registers", len(registers), "origins", len(vector))
	case http.StatusNotFound:
		slog.Info("new session")
	default:
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

type client struct {
	cfg         config.Participant
	baseUrl     *url.URL
	participant *session.Participant
	out         chan session.Envelope
	metrics     *telemetry.Metrics
}

func (c *client) connectAndSyncContinuously(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		if err := c.connectAndSync(ctx); err != nil {
			slog.Error("failed to sync", "err", err)
		} else {
			slog.Info("finished sync")
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			slog.Info("stopping scheduled sync")
			return
		}
	}
}

func (c *client) connectAndSync(ctx context.Context) error {
	u := c.baseUrl.JoinPath("sessions", c.cfg.Session, "sync")
	u.Scheme = "ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()
	if err := c.participant.Run(ctx, conn, c.out); err != nil {
		return fmt.Errorf("failed to sync: %w", err)
	}
	return nil
}

// enqueue hands env to whichever connection is current. Envelopes queue while
// reconnecting and are dropped once the queue is full.
func (c *client) enqueue(env session.Envelope) {
	select {
	case c.out <- env:
	default:
		slog.Warn("outbound queue full, dropping", "type", env.Type)
	}
}

func (c *client) actContinuously(ctx context.Context) {
	t := time.NewTicker(c.cfg.ActionInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			action := session.Action{Kind: session.ActionMove, DX: rand.Float64()*2 - 1, DY: rand.Float64()*2 - 1}
			if rand.Intn(10) == 0 {
				action = session.Action{Kind: session.ActionScore, Points: 1 + rand.Intn(3)}
			}
			if _, env, err := c.participant.Act(action); err != nil {
				if !errors.Is(err, predict.ErrDiverged) {
					slog.Error("failed to act", "err", err)
				}
			} else {
				c.enqueue(env)
			}
		case <-ctx.Done():
			slog.Info("stopping scheduled actions")
			return
		}
	}
}

func (c *client) writeRandomlyContinuously(ctx context.Context) {
	for {
		t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(5)))
		select {
		case <-t.C:
			color := colors[rand.Intn(len(colors))]
			if op, env, err := c.participant.Write("color", []byte(color)); err != nil {
				slog.Error("failed to write register", "err", err)
			} else {
				slog.Info("wrote", "key", op.Key, "value", color, "clock", op.Clock)
				c.enqueue(env)
			}
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled writes")
			return
		}
	}
}

func (c *client) reportContinuously(ctx context.Context) {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			rtt, jitter, horizon := c.participant.RTT(), c.participant.Jitter(), c.participant.PredictionHorizon()
			c.metrics.ObserveLatency(rtt, jitter, horizon)
			slog.Info("prediction",
				"avatar", c.participant.Predicted(),
				"pending", c.participant.Pending(),
				"rtt", rtt, "jitter", jitter, "horizon", horizon,
				"vector", c.participant.StateVector(),
			)
		case <-ctx.Done():
			return
		}
	}
}
