package csap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetaStoreSetGetCheckAccess(t *testing.T) {
	root := t.TempDir()
	m, err := NewMetaStore(root)
	require.NoError(t, err, "NewMetaStore")

	file := filepath.Join(root, "alice", "notes.txt")
	require.NoError(t, m.Set(file, "alice", 0640), "Set")

	entry, err := m.Get(file)
	require.NoError(t, err, "Get")
	assert.Equal(t, "alice", entry.Owner)
	assert.Equal(t, os.FileMode(0640), entry.Perm)

	assert.NoError(t, m.CheckAccess(file, "alice", true, true, false), "owner should have rw")
	assert.Error(t, m.CheckAccess(file, "bob", true, false, false), "other triad of 0640 grants no r")
	assert.Error(t, m.CheckAccess(file, "bob", false, true, false), "other should not have w")
}

func TestMetaStoreMissingEntryDenied(t *testing.T) {
	root := t.TempDir()
	m, err := NewMetaStore(root)
	require.NoError(t, err, "NewMetaStore")
	assert.Error(t, m.CheckAccess(filepath.Join(root, "ghost"), "alice", true, false, false),
		"expected permission denied for missing entry")
}

func TestMetaStoreMovePropagatesToDescendants(t *testing.T) {
	root := t.TempDir()
	m, err := NewMetaStore(root)
	require.NoError(t, err, "NewMetaStore")

	dir := filepath.Join(root, "alice", "work")
	child := filepath.Join(dir, "report.txt")
	require.NoError(t, m.Set(dir, "alice", 0770), "Set dir")
	require.NoError(t, m.Set(child, "alice", 0640), "Set child")

	newDir := filepath.Join(root, "alice", "archive")
	require.NoError(t, m.Move(dir, newDir), "Move")

	_, err = m.Get(dir)
	assert.Error(t, err, "old dir entry should be gone")

	_, err = m.Get(filepath.Join(newDir, "report.txt"))
	assert.NoError(t, err, "descendant should have moved")
}

func TestMetaStorePersistsAcrossReopen(t *testing.T) {
	root := t.TempDir()
	m, err := NewMetaStore(root)
	require.NoError(t, err, "NewMetaStore")
	file := filepath.Join(root, "alice", "x")
	require.NoError(t, m.Set(file, "alice", 0600), "Set")

	reopened, err := NewMetaStore(root)
	require.NoError(t, err, "reopen")
	entry, err := reopened.Get(file)
	require.NoError(t, err, "Get after reopen")
	assert.Equal(t, "alice", entry.Owner)
	assert.Equal(t, os.FileMode(0600), entry.Perm)
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "d---------", ModeString(true, 0))
	assert.Equal(t, "-rwx---rwx", ModeString(false, 0700|07))
}

func TestMetaStoreRemove(t *testing.T) {
	root := t.TempDir()
	m, err := NewMetaStore(root)
	require.NoError(t, err, "NewMetaStore")
	file := filepath.Join(root, "alice", "x")
	require.NoError(t, m.Set(file, "alice", 0600), "Set")
	require.NoError(t, m.Remove(file), "Remove")

	_, err = m.Get(file)
	assert.Error(t, err, "entry should be gone")
	assert.NoError(t, m.Remove(file), "Remove of missing entry should be a no-op success")
}

func TestMetaStoreRootSeeded(t *testing.T) {
	root := t.TempDir()
	m, err := NewMetaStore(root)
	require.NoError(t, err, "NewMetaStore")
	entry, err := m.Get(root)
	require.NoError(t, err, "root entry missing")
	assert.Equal(t, rootOwner, entry.Owner)

	_, err = os.Stat(filepath.Join(root, metaFileName))
	assert.NoError(t, err, "metadata file not created")
}
