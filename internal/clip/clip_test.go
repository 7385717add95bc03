package clip

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightnvr/core/internal/nvrerr"
	"github.com/lightnvr/core/internal/recordings"
)

func testStore(t *testing.T) *recordings.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := recordings.Open(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func writeFakeRecording(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("not a real mp4"), 0o644))
	return path
}

func TestExportRangeNoCoverageFailsFast(t *testing.T) {
	store := testStore(t)
	e := New(zerolog.Nop(), store, t.TempDir(), "/bin/true")

	_, err := e.ExportRange(context.Background(), "cam1", time.Now(), time.Now().Add(time.Hour))
	require.Error(t, err)
	nerr, ok := err.(*nvrerr.Error)
	require.True(t, ok)
	assert.Equal(t, nvrerr.KindNotFound, nerr.Kind)
	assert.Equal(t, nvrerr.NoCoverage, nerr.Sub)
}

func TestExportRangeSingleRowTrims(t *testing.T) {
	store := testStore(t)
	dir := t.TempDir()
	path := writeFakeRecording(t, dir, "rec1.mp4")

	start := time.Now().Add(-time.Hour)
	require.NoError(t, store.Insert(&recordings.Metadata{
		StreamName: "cam1", Path: path,
		StartedAt: start, EndedAt: start.Add(10 * time.Minute),
		Trigger: recordings.TriggerContinuous,
	}))

	e := New(zerolog.Nop(), store, t.TempDir(), "/bin/true")
	meta, err := e.ExportRange(context.Background(), "cam1", start, start.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "cam1", meta.Stream)
	assert.Len(t, meta.SourceIDs, 1)
}

func TestExportRangeMultipleRowsConcatenates(t *testing.T) {
	store := testStore(t)
	dir := t.TempDir()
	p1 := writeFakeRecording(t, dir, "rec1.mp4")
	p2 := writeFakeRecording(t, dir, "rec2.mp4")

	start := time.Now().Add(-time.Hour)
	require.NoError(t, store.Insert(&recordings.Metadata{
		StreamName: "cam1", Path: p1,
		StartedAt: start, EndedAt: start.Add(10 * time.Minute),
		Trigger: recordings.TriggerContinuous,
	}))
	require.NoError(t, store.Insert(&recordings.Metadata{
		StreamName: "cam1", Path: p2,
		StartedAt: start.Add(10 * time.Minute), EndedAt: start.Add(20 * time.Minute),
		Trigger: recordings.TriggerContinuous,
	}))

	e := New(zerolog.Nop(), store, t.TempDir(), "/bin/true")
	meta, err := e.ExportRange(context.Background(), "cam1", start, start.Add(15*time.Minute))
	require.NoError(t, err)
	assert.Len(t, meta.SourceIDs, 2)
}

func TestConcatManyFailsIfAllFilesMissing(t *testing.T) {
	store := testStore(t)
	e := New(zerolog.Nop(), store, t.TempDir(), "/bin/true")

	rows := []recordings.Metadata{
		{ID: 1, StreamName: "cam1", Path: "/nonexistent/a.mp4"},
		{ID: 2, StreamName: "cam1", Path: "/nonexistent/b.mp4"},
	}
	err := e.concatMany(context.Background(), rows, filepath.Join(t.TempDir(), "out.mp4"))
	require.Error(t, err)
	nerr, ok := err.(*nvrerr.Error)
	require.True(t, ok)
	assert.Equal(t, nvrerr.NoCoverage, nerr.Sub)
}

func TestExportSingleNotFoundWhenFileMissing(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.Insert(&recordings.Metadata{
		StreamName: "cam1", Path: "/nonexistent/rec.mp4",
		StartedAt: time.Now(), EndedAt: time.Now().Add(time.Minute),
		Trigger: recordings.TriggerContinuous,
	}))
	rows, err := store.Query("cam1", time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	e := New(zerolog.Nop(), store, t.TempDir(), "/bin/true")
	_, err = e.ExportSingle(context.Background(), rows[0].ID, time.Now(), time.Now().Add(time.Minute))
	require.Error(t, err)
}
