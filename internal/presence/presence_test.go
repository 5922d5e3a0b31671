package presence

import (
	"errors"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKV implements the subset of nats.KeyValue the registry touches; the
// embedded interface panics on anything unexpected.
type fakeKV struct {
	nats.KeyValue
	mu      sync.Mutex
	data    map[string][]byte
	failAll bool
}

type fakeEntry struct {
	nats.KeyValueEntry
	value []byte
}

func (e *fakeEntry) Value() []byte { return e.value }

func newFakeKV() *fakeKV { return &fakeKV{data: make(map[string][]byte)} }

func (f *fakeKV) Put(key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return 0, errors.New("kv unavailable")
	}
	f.data[key] = append([]byte(nil), value...)
	return 1, nil
}

func (f *fakeKV) Get(key string) (nats.KeyValueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errors.New("kv unavailable")
	}
	v, ok := f.data[key]
	if !ok {
		return nil, nats.ErrKeyNotFound
	}
	return &fakeEntry{value: v}, nil
}

func (f *fakeKV) Delete(key string, _ ...nats.DeleteOpt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("kv unavailable")
	}
	if _, ok := f.data[key]; !ok {
		return nats.ErrKeyNotFound
	}
	delete(f.data, key)
	return nil
}

func newTestRegistry(kv *fakeKV) *Registry {
	return &Registry{kv: kv, log: zerolog.Nop()}
}

func TestAvailabilityLifecycle(t *testing.T) {
	r := newTestRegistry(newFakeKV())

	assert.False(t, r.IsAvailable("p1"))
	require.NoError(t, r.MarkAvailable("p1"))
	assert.True(t, r.IsAvailable("p1"))
	require.NoError(t, r.MarkUnavailable("p1"))
	assert.False(t, r.IsAvailable("p1"))
}

func TestMarkUnavailableToleratesAbsentRecord(t *testing.T) {
	r := newTestRegistry(newFakeKV())
	assert.NoError(t, r.MarkUnavailable("never-joined"))
}

func TestStoreErrorsReadAsUnavailable(t *testing.T) {
	kv := newFakeKV()
	r := newTestRegistry(kv)
	require.NoError(t, r.MarkAvailable("p1"))

	kv.mu.Lock()
	kv.failAll = true
	kv.mu.Unlock()

	// Fail closed: a peer we cannot check is not a peer we can route to.
	assert.False(t, r.IsAvailable("p1"))
	assert.Error(t, r.MarkAvailable("p2"))
	assert.Error(t, r.MarkUnavailable("p1"))
}

func TestHeartbeatRefreshOverwrites(t *testing.T) {
	r := newTestRegistry(newFakeKV())
	require.NoError(t, r.MarkAvailable("p1"))
	require.NoError(t, r.MarkAvailable("p1"))
	assert.True(t, r.IsAvailable("p1"))
}
