package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"registry-scorer/internal/ml"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testCapture(t *testing.T, id string, ts time.Time, rows [][]float64) Capture {
	t.Helper()
	m, err := ml.NewMatrix(rows)
	require.NoError(t, err)

	role := "primary"
	if len(rows) > 2 {
		role = "fallback"
	}
	labels := make([]any, len(rows))
	for i := range labels {
		labels[i] = float64(i % 3)
	}
	return Capture{
		RequestID:    id,
		Timestamp:    ts,
		Role:         role,
		ModelName:    "iris_svc_model",
		ModelVersion: "1",
		Input:        m,
		Output:       ml.Labels(labels),
		LatencyMs:    1.5,
	}
}

func TestNew(t *testing.T) {
	tempDir := filepath.Join(t.TempDir(), "nested", "data")

	store, err := New(tempDir)
	require.NoError(t, err)
	defer store.Close()

	assert.NotNil(t, store.db)
	assert.Equal(t, filepath.Join(tempDir, DBFile), store.Path())

	_, err = os.Stat(filepath.Join(tempDir, DBFile))
	assert.NoError(t, err, "database file was not created")
}

func TestNew_InvalidPath(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	_, err := New(file)
	assert.Error(t, err)
}

func TestStore_Close(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close(), "closing an already closed store")
}

func TestStore_CloseNilDB(t *testing.T) {
	store := &Store{db: nil}
	assert.NoError(t, store.Close())
}

func TestStore_PutAndRange(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	c1 := testCapture(t, "req-1", base, [][]float64{{5.1, 3.5, 1.4, 0.2}})
	c2 := testCapture(t, "req-2", base.Add(time.Minute), [][]float64{{1, 2, 3, 4}, {5, 6, 7, 8}, {9, 10, 11, 12}})
	c3 := testCapture(t, "req-3", base.Add(2*time.Minute), [][]float64{{0, 0, 0, 0}, {1, 1, 1, 1}})

	// Insert out of order; range scans still return chronological order.
	require.NoError(t, store.Put(c3))
	require.NoError(t, store.Put(c1))
	require.NoError(t, store.Put(c2))

	all, err := store.Range(base, base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "req-1", all[0].RequestID)
	assert.Equal(t, "req-2", all[1].RequestID)
	assert.Equal(t, "req-3", all[2].RequestID)

	got := all[1]
	assert.Equal(t, "fallback", got.Role)
	assert.Equal(t, c2.Input, got.Input)
	assert.Equal(t, c2.Output, got.Output)
	assert.True(t, c2.Timestamp.Equal(got.Timestamp))

	middle, err := store.Range(base.Add(time.Second), base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, middle, 1)
	assert.Equal(t, "req-2", middle[0].RequestID)

	none, err := store.Range(base.Add(time.Hour), base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_SameTimestamp(t *testing.T) {
	store := newTestStore(t)
	ts := time.Now()

	require.NoError(t, store.Put(testCapture(t, "a", ts, [][]float64{{1}})))
	require.NoError(t, store.Put(testCapture(t, "b", ts, [][]float64{{2}})))

	n, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStore_PutDefaultsTimestamp(t *testing.T) {
	store := newTestStore(t)
	before := time.Now()

	require.NoError(t, store.Put(testCapture(t, "now", time.Time{}, [][]float64{{1}})))

	got, err := store.Range(before, time.Now())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestStore_RangeSkipsMalformed(t *testing.T) {
	store := newTestStore(t)
	ts := time.Now()

	require.NoError(t, store.Put(testCapture(t, "ok", ts, [][]float64{{1}})))
	require.NoError(t, store.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(capturesBucket)).Put(captureKey(ts, "bad"), []byte("{not json"))
	}))

	got, err := store.Range(ts.Add(-time.Second), ts.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].RequestID)
}

func TestStore_Prune(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Put(testCapture(t, "r", base.Add(time.Duration(i)*time.Hour), [][]float64{{float64(i)}})))
	}

	removed, err := store.Prune(base.Add(3 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	n, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rest, err := store.Range(base, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.True(t, rest[0].Timestamp.Equal(base.Add(3*time.Hour)))
}

func TestOpenReadOnly(t *testing.T) {
	dir := t.TempDir()

	_, err := OpenReadOnly(dir)
	assert.Error(t, err, "read-only open must not create the database")

	store, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(testCapture(t, "r", time.Now(), [][]float64{{1}})))
	require.NoError(t, store.Close())

	ro, err := OpenReadOnly(dir)
	require.NoError(t, err)
	defer ro.Close()

	n, err := ro.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
