package viz

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/session-sync/pkg/register"
)

// RenderStore draws one node per origin labelled with its observed clock, one
// node per key labelled with its value, and an edge from each key's winning
// origin to the key.
func RenderStore(store *register.Store, format graphviz.Format) ([]byte, error) {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return nil, fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	vector := store.StateVector()
	nodeMap := make(map[register.OriginID]*cgraph.Node)
	for _, origin := range vector.Origins() {
		n, err := graph.CreateNode("origin:" + string(origin))
		if err != nil {
			return nil, fmt.Errorf("failed to create node: %w", err)
		}
		n.SetShape(cgraph.BoxShape)
		n.SetLabel(fmt.Sprintf("%s@%d", origin, vector.Get(origin)))
		nodeMap[origin] = n
	}

	for i, r := range store.Registers() {
		n, err := graph.CreateNode("key:" + r.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(fmt.Sprintf("%s = %s", r.Key, strconv.Quote(string(r.Value))))
		from, ok := nodeMap[r.Origin]
		if !ok {
			return nil, fmt.Errorf("register %q names origin %q missing from the state vector", r.Key, r.Origin)
		}
		e, err := graph.CreateEdge(strconv.Itoa(i), from, n)
		if err != nil {
			return nil, fmt.Errorf("failed to create edge: %w", err)
		}
		e.SetLabel(strconv.FormatUint(r.Clock, 10))
	}

	var buff bytes.Buffer
	if err := g.Render(graph, format, &buff); err != nil {
		return nil, fmt.Errorf("failed to render: %w", err)
	}
	return buff.Bytes(), nil
}

func RenderStoreToSvg(store *register.Store, outputPath string) error {
	raw, err := RenderStore(store, graphviz.SVG)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

func RenderToTemp(store *register.Store) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderStoreToSvg(store, tf); err != nil {
		return "", err
	}
	return tf, nil
}
