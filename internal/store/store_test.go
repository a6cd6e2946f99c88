package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Both implementations must behave identically through the Store interface.
func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := Open(filepath.Join(t.TempDir(), "reflex.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"sqlite": sqlite,
		"mem":    NewMemStore(),
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.Put("proposal/agent-1/p1", []byte(`{"state":"applied"}`)))

			got, err := st.Get("proposal/agent-1/p1")
			require.NoError(t, err)
			assert.Equal(t, `{"state":"applied"}`, string(got))
		})
	}
}

func TestPutOverwrites(t *testing.T) {
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.Put("runtime/max_concurrent", []byte("4")))
			require.NoError(t, st.Put("runtime/max_concurrent", []byte("2")))

			got, err := st.Get("runtime/max_concurrent")
			require.NoError(t, err)
			assert.Equal(t, "2", string(got))
		})
	}
}

func TestGetMissingKey(t *testing.T) {
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := st.Get("no/such/key")
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestScanRangeRespectsPrefix(t *testing.T) {
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.Put("alert/pb-1/host", []byte("a")))
			require.NoError(t, st.Put("alert/pb-2/host", []byte("b")))
			require.NoError(t, st.Put("breaker/host/restart", []byte("c")))
			// "alertz" shares the byte prefix but not the namespace boundary.
			require.NoError(t, st.Put("alertz", []byte("d")))

			kvs, err := st.ScanRange("alert/")
			require.NoError(t, err)
			require.Len(t, kvs, 2)
			assert.Equal(t, "alert/pb-1/host", kvs[0].Key)
			assert.Equal(t, "alert/pb-2/host", kvs[1].Key)
			assert.Equal(t, "a", string(kvs[0].Value))
			assert.False(t, kvs[0].UpdatedAt.IsZero())
		})
	}
}

func TestScanRangeEmptyPrefix(t *testing.T) {
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.Put("b", []byte("2")))
			require.NoError(t, st.Put("a", []byte("1")))

			kvs, err := st.ScanRange("")
			require.NoError(t, err)
			require.Len(t, kvs, 2)
			assert.Equal(t, "a", kvs[0].Key, "scan is key-ordered")
		})
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.Put("queue/t1", []byte("x")))
			require.NoError(t, st.Delete("queue/t1"))
			require.NoError(t, st.Delete("queue/t1"))

			_, err := st.Get("queue/t1")
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestEmptyKeyRejected(t *testing.T) {
	sqlite, err := Open(filepath.Join(t.TempDir(), "reflex.db"))
	require.NoError(t, err)
	defer sqlite.Close()

	assert.Error(t, sqlite.Put("", []byte("x")))
}

func TestPurgeOlderThan(t *testing.T) {
	sqlite, err := Open(filepath.Join(t.TempDir(), "reflex.db"))
	require.NoError(t, err)
	defer sqlite.Close()

	require.NoError(t, sqlite.Put("alert/old", []byte("a")))
	require.NoError(t, sqlite.Put("proposal/old", []byte("b")))

	// Everything written so far predates the cutoff; other prefixes survive.
	n, err := sqlite.PurgeOlderThan("alert/", time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = sqlite.Get("alert/old")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = sqlite.Get("proposal/old")
	assert.NoError(t, err)

	n, err = sqlite.PurgeOlderThan("alert/", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "nothing older than a past cutoff")
}

func TestReopenSeesPersistedData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reflex.db")

	st, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, st.Put("breaker/host/restart", []byte(`{"state":"open"}`)))
	require.NoError(t, st.Close())

	st, err = Open(path)
	require.NoError(t, err)
	defer st.Close()

	got, err := st.Get("breaker/host/restart")
	require.NoError(t, err)
	assert.Equal(t, `{"state":"open"}`, string(got))
}
