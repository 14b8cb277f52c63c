package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/session-sync/pkg/checkpoint"
	"github.com/astromechza/session-sync/pkg/register"
	"github.com/astromechza/session-sync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	renderVar := flag.String("svg", "", "render the registers to this svg file")
	changesVar := flag.Bool("changes", false, "log the document's change history")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the file to read")
	}
	f, err := os.Open(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()
	buff, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}

	if *changesVar {
		doc, err := automerge.Load(buff)
		if err != nil {
			return fmt.Errorf("failed to load doc: %w", err)
		}
		slog.Info("loaded heads", "heads", doc.Heads())
		changes, err := doc.Changes()
		if err != nil {
			return fmt.Errorf("failed to generate changes: %w", err)
		}
		for i, change := range changes {
			slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "seq", change.ActorSeq(), "deps", change.Dependencies())
		}
	}

	registers, vector, err := checkpoint.ReadDoc(buff)
	if err != nil {
		return err
	}
	for _, origin := range vector.Origins() {
		slog.Info("vector", "origin", origin, "clock", vector.Get(origin))
	}
	for _, r := range registers {
		fmt.Printf("%s\t%s@%d\t%q\n", r.Key, r.Origin, r.Clock, r.Value)
	}

	if *renderVar != "" {
		store, err := register.NewStore("debug")
		if err != nil {
			return err
		}
		if err := store.Restore(registers, vector); err != nil {
			return fmt.Errorf("failed to restore: %w", err)
		}
		if err := viz.RenderStoreToSvg(store, *renderVar); err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+*renderVar)
	}
	return nil
}
