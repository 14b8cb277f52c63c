package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

func readAndHandleMessage(conn *websocket.Conn, handle func(Envelope) error) error {
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}
	if err := handle(env); err != nil {
		return fmt.Errorf("failed to handle %s message: %w", env.Type, err)
	}
	return nil
}

func writeMessage(conn *websocket.Conn, env Envelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Sync pumps envelopes over conn until ctx is done, out is closed, or either
// direction fails. Incoming envelopes are passed to handle one at a time.
// conn is closed on return. A normal close, a cancelled ctx or a closed out is
// not an error.
func Sync(
	ctx context.Context,
	conn *websocket.Conn,
	out <-chan Envelope,
	handle func(Envelope) error,
) error {
	slog.Debug("syncing", "remote", conn.RemoteAddr())

	inner, cancel := context.WithCancel(ctx)
	defer cancel()
	errs := make(chan error, 2)
	var drained atomic.Bool

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			if err := readAndHandleMessage(conn, handle); err != nil {
				errs <- err
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()
		for {
			select {
			case env, ok := <-out:
				if !ok {
					drained.Store(true)
					_ = conn.WriteControl(
						websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeWait),
					)
					return
				}
				if err := writeMessage(conn, env); err != nil {
					errs <- err
					return
				}
			case <-inner.Done():
				return
			}
		}
	}()

	wg.Wait()
	close(errs)
	if ctx.Err() != nil || drained.Load() {
		return nil
	}
	for err := range errs {
		var ce *websocket.CloseError
		if errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway) {
			continue
		}
		return err
	}
	return nil
}
