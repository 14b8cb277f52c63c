package viz

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-graphviz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/session-sync/pkg/register"
)

func TestRenderStore(t *testing.T) {
	store, err := register.NewStore("relay")
	require.NoError(t, err)
	for _, op := range []register.Operation{
		{Origin: "alice", Clock: 3, Key: "color", Value: []byte("red")},
		{Origin: "bob", Clock: 3, Key: "color", Value: []byte("blue")},
		{Origin: "alice", Clock: 4, Key: "pos", Value: []byte("1,2")},
	} {
		_, err := store.Reconcile(op)
		require.NoError(t, err)
	}

	raw, err := RenderStore(store, graphviz.XDOT)
	require.NoError(t, err)
	out := string(raw)
	assert.Contains(t, out, "alice@4")
	assert.Contains(t, out, "bob@3")
	assert.Contains(t, out, "blue")

	path := filepath.Join(t.TempDir(), "store.svg")
	require.NoError(t, RenderStoreToSvg(store, path))
	svg, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")
}
