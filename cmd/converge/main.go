package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"

	"github.com/astromechza/session-sync/pkg/register"
)

// converge writes to two stores independently and exchanges what each is
// missing until neither has anything left to send.
func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	writesVar := flag.Int("writes", 20, "writes per store before syncing")
	keysVar := flag.Int("keys", 4, "distinct keys to write")
	flag.Parse()

	left, err := register.NewStore("left")
	if err != nil {
		return err
	}
	right, err := register.NewStore("right")
	if err != nil {
		return err
	}

	// start with both empty stores in sync
	if err := sync(left, right); err != nil {
		return err
	}

	for i := 0; i < *writesVar; i++ {
		for _, s := range []*register.Store{left, right} {
			key := fmt.Sprintf("k%d", rand.Intn(*keysVar))
			op, err := s.CreateOperation(key, []byte(fmt.Sprintf("%s-%d", s.Origin(), i)))
			if err != nil {
				return err
			}
			if _, err := s.Reconcile(op); err != nil {
				return err
			}
		}
	}
	slog.Info("diverged", "left", left.StateVector(), "right", right.StateVector())

	if err := sync(left, right); err != nil {
		return err
	}
	slog.Info("synced", "left", left.StateVector(), "right", right.StateVector())
	for _, r := range left.Registers() {
		other, _ := right.Get(r.Key)
		slog.Info("register", "key", r.Key, "winner", r.Origin, "clock", r.Clock, "left", string(r.Value), "right", string(other))
		if string(other) != string(r.Value) {
			return fmt.Errorf("stores disagree on %q", r.Key)
		}
	}
	slog.Info("converged", "registers", len(left.Registers()))
	return nil
}

func sync(s1, s2 *register.Store) error {
	hadMessages := true
	for round := 0; hadMessages; round++ {
		hadMessages = false
		for _, pair := range [][2]*register.Store{{s1, s2}, {s2, s1}} {
			from, to := pair[0], pair[1]
			ops := from.Missing(to.StateVector())
			applied := 0
			for _, op := range ops {
				ok, err := to.Reconcile(op)
				if err != nil {
					return err
				}
				if ok {
					applied++
				}
			}
			if applied > 0 {
				hadMessages = true
			}
			slog.Info("exchanged", "round", round, "from", from.Origin(), "to", to.Origin(), "ops", len(ops), "applied", applied)
		}
	}
	return nil
}
