package triage

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFile(t *testing.T, name string) *File {
	t.Helper()
	f, err := NewFile("d0c4b1f0", "a1", "b2", 128, "application/zip", ContainerZip, name)
	require.NoError(t, err)
	return f
}

func TestNewTaskDefaults(t *testing.T) {
	t.Parallel()

	task, err := NewTask(testFile(t, "sample.zip"))
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, task.ID())
	assert.Equal(t, uuid.Nil, task.ParentID())
	assert.Equal(t, uuid.Nil, task.OriginID())
	assert.Equal(t, task.ID(), task.Origin())
	assert.Zero(t, task.Depth())
	assert.False(t, task.IsChild())
	assert.False(t, task.Done())
	assert.False(t, task.Overridden())
	assert.False(t, task.CreatedAt().IsZero())
}

func TestNewTaskRequiresFile(t *testing.T) {
	t.Parallel()

	_, err := NewTask(nil)
	assert.Error(t, err)
}

func TestWithParentLineage(t *testing.T) {
	t.Parallel()

	root, err := NewTask(testFile(t, "outer.zip"),
		WithPassword("infected"),
		WithDisabledWorkers([]string{"slowscan"}),
	)
	require.NoError(t, err)

	child, err := NewTask(testFile(t, "inner.zip"), WithParent(root))
	require.NoError(t, err)

	assert.Equal(t, root.ID(), child.ParentID())
	assert.Equal(t, root.ID(), child.OriginID())
	assert.Equal(t, root.ID(), child.Origin())
	assert.Equal(t, 1, child.Depth())
	assert.True(t, child.IsChild())
	assert.Equal(t, "infected", child.Password())
	assert.True(t, child.WorkerDisabled("slowscan"))

	grandchild, err := NewTask(testFile(t, "payload.txt"), WithParent(child))
	require.NoError(t, err)

	assert.Equal(t, child.ID(), grandchild.ParentID())
	assert.Equal(t, root.ID(), grandchild.OriginID(), "origin always points at the top-level ancestor")
	assert.Equal(t, 2, grandchild.Depth())
}

func TestDisabledWorkersAreCopied(t *testing.T) {
	t.Parallel()

	names := []string{"a", "b"}
	task, err := NewTask(testFile(t, "sample.zip"), WithDisabledWorkers(names))
	require.NoError(t, err)

	names[0] = "mutated"
	assert.True(t, task.WorkerDisabled("a"))
	assert.False(t, task.WorkerDisabled("mutated"))

	got := task.DisabledWorkers()
	got[1] = "mutated"
	assert.True(t, task.WorkerDisabled("b"))
}

func TestTaskJSONRoundTrip(t *testing.T) {
	t.Parallel()

	root, err := NewTask(testFile(t, "outer.zip"), WithPassword("s3cret"))
	require.NoError(t, err)
	child, err := NewTask(testFile(t, "inner.bin"), WithParent(root))
	require.NoError(t, err)
	child.MarkDone()

	data, err := json.Marshal(child)
	require.NoError(t, err)

	var got Task
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, child.ID(), got.ID())
	assert.Equal(t, root.ID(), got.ParentID())
	assert.Equal(t, root.ID(), got.OriginID())
	assert.Equal(t, 1, got.Depth())
	assert.Equal(t, "s3cret", got.Password())
	assert.True(t, got.Done())
	require.NotNil(t, got.File())
	assert.Equal(t, "inner.bin", got.File().Name())
	assert.Equal(t, ContainerZip, got.File().Kind())
}

func TestFileDeletionFlag(t *testing.T) {
	t.Parallel()

	f := testFile(t, "sample.zip")
	assert.False(t, f.Deleted())

	f.MarkDeleted()
	assert.True(t, f.Deleted())
	assert.Equal(t, "d0c4b1f0", f.SHA256(), "digests survive deletion")
}
