package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/session-sync/pkg/register"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "checkpoint.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seededStore(t *testing.T, ops ...register.Operation) *register.Store {
	t.Helper()
	s, err := register.NewStore("relay")
	require.NoError(t, err)
	for _, op := range ops {
		_, err := s.Reconcile(op)
		require.NoError(t, err)
	}
	return s
}

func TestSaveAndLoad(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	store := seededStore(t,
		register.Operation{Origin: "alice", Clock: 3, Key: "color", Value: []byte("red")},
		register.Operation{Origin: "bob", Clock: 5, Key: "pos", Value: []byte("1,2")},
	)
	require.NoError(t, db.Save(ctx, "default", store))

	registers, vector, err := db.Load(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, store.Registers(), registers)
	assert.Equal(t, store.StateVector(), vector)

	restored := seededStore(t)
	require.NoError(t, restored.Restore(registers, vector))
	assert.Equal(t, store.Snapshot(), restored.Snapshot())

	sessions, err := db.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, sessions)
}

func TestLoadUnknownSession(t *testing.T) {
	db := openTestDB(t)
	registers, vector, err := db.Load(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, registers)
	assert.Empty(t, vector)
}

func TestSaveNeverMovesBackwards(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	newer := seededStore(t, register.Operation{Origin: "bob", Clock: 4, Key: "color", Value: []byte("blue")})
	older := seededStore(t, register.Operation{Origin: "alice", Clock: 4, Key: "color", Value: []byte("red")})

	require.NoError(t, db.Save(ctx, "default", newer))
	require.NoError(t, db.Save(ctx, "default", older))

	registers, vector, err := db.Load(ctx, "default")
	require.NoError(t, err)
	require.Len(t, registers, 1)
	assert.Equal(t, []byte("blue"), registers[0].Value)
	assert.Equal(t, register.StateVector{"alice": 4, "bob": 4}, vector)
}

func TestSessionsAreIsolated(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Save(ctx, "a", seededStore(t, register.Operation{Origin: "x", Clock: 1, Key: "k", Value: []byte("a")})))
	require.NoError(t, db.Save(ctx, "b", seededStore(t, register.Operation{Origin: "x", Clock: 1, Key: "k", Value: []byte("b")})))

	registers, _, err := db.Load(ctx, "a")
	require.NoError(t, err)
	require.Len(t, registers, 1)
	assert.Equal(t, []byte("a"), registers[0].Value)

	sessions, err := db.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, sessions)
}

func TestExportAndReadDoc(t *testing.T) {
	store := seededStore(t,
		register.Operation{Origin: "alice", Clock: 3, Key: "color", Value: []byte("red")},
		register.Operation{Origin: "bob", Clock: 5, Key: "pos", Value: []byte("1,2")},
	)
	doc, err := ExportDoc(store)
	require.NoError(t, err)

	registers, vector, err := ReadDoc(doc.Save())
	require.NoError(t, err)
	assert.ElementsMatch(t, store.Registers(), registers)
	assert.Equal(t, store.StateVector(), vector)
}

func TestExportEmptyStore(t *testing.T) {
	doc, err := ExportDoc(seededStore(t))
	require.NoError(t, err)
	registers, vector, err := ReadDoc(doc.Save())
	require.NoError(t, err)
	assert.Empty(t, registers)
	assert.Empty(t, vector)
}
