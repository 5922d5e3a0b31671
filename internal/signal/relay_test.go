package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BitAdventure/drawing-webrtc-sub000/internal"
)

type fakePresence struct {
	mu    sync.Mutex
	avail map[string]bool
}

func (f *fakePresence) set(peerId string, up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.avail == nil {
		f.avail = make(map[string]bool)
	}
	f.avail[peerId] = up
}

func (f *fakePresence) IsAvailable(peerId string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.avail[peerId]
}

type fakePub struct {
	mu       sync.Mutex
	frames   map[string][][]byte
	failures int // fail this many publishes, then succeed
}

func (f *fakePub) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("publish failed")
	}
	if f.frames == nil {
		f.frames = make(map[string][][]byte)
	}
	f.frames[subject] = append(f.frames[subject], append([]byte(nil), data...))
	return nil
}

func (f *fakePub) sent(subject string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames[subject]
}

type memPending struct {
	mu     sync.Mutex
	queues map[string][][]byte
}

func (m *memPending) Append(_ context.Context, peerId string, payload []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queues == nil {
		m.queues = make(map[string][][]byte)
	}
	m.queues[peerId] = append(m.queues[peerId], append([]byte(nil), payload...))
	return nil
}

func (m *memPending) Drain(_ context.Context, peerId string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.queues[peerId]
	delete(m.queues, peerId)
	return out, nil
}

func (m *memPending) depth(peerId string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[peerId])
}

func newTestRelay(pres *fakePresence, pub *fakePub, store *memPending, retryLimit int) *Relay {
	buf := NewBuffer(store, time.Minute, zerolog.Nop())
	return NewRelay(pres, buf, pub, retryLimit, zerolog.Nop())
}

func candidate(s string) json.RawMessage {
	return json.RawMessage(`{"candidate":"` + s + `"}`)
}

func TestRelayDeliversToAvailablePeer(t *testing.T) {
	pres, pub, store := &fakePresence{}, &fakePub{}, &memPending{}
	pres.set("bob", true)
	r := newTestRelay(pres, pub, store, 3)

	require.NoError(t, r.Relay(context.Background(), "alice", "bob", internal.EventSessionDescription, candidate("sdp")))

	frames := pub.sent(PeerSubject("bob"))
	require.Len(t, frames, 1)

	var evt internal.Event[internal.SignalForwardPayload]
	require.NoError(t, json.Unmarshal(frames[0], &evt))
	assert.Equal(t, internal.EventSessionDescription, evt.Type)
	assert.Equal(t, "alice", evt.Data.PeerId)
}

func TestRelayBuffersIceForUnavailablePeer(t *testing.T) {
	pres, pub, store := &fakePresence{}, &fakePub{}, &memPending{}
	r := newTestRelay(pres, pub, store, 3)

	require.NoError(t, r.Relay(context.Background(), "alice", "bob", internal.EventIceCandidate, candidate("c1")))

	assert.Empty(t, pub.sent(PeerSubject("bob")))
	assert.Equal(t, 1, store.depth("bob"))
}

func TestRelayRejectsDescriptionForUnavailablePeer(t *testing.T) {
	pres, pub, store := &fakePresence{}, &fakePub{}, &memPending{}
	r := newTestRelay(pres, pub, store, 3)

	err := r.Relay(context.Background(), "alice", "bob", internal.EventSessionDescription, candidate("sdp"))
	assert.ErrorIs(t, err, ErrPeerUnavailable)
	assert.Equal(t, 0, store.depth("bob"))
}

func TestReplayBufferedExactlyOnceInOrder(t *testing.T) {
	pres, pub, store := &fakePresence{}, &fakePub{}, &memPending{}
	r := newTestRelay(pres, pub, store, 3)
	ctx := context.Background()

	for _, c := range []string{"c1", "c2", "c3"} {
		require.NoError(t, r.Relay(ctx, "alice", "bob", internal.EventIceCandidate, candidate(c)))
	}

	pres.set("bob", true)
	require.NoError(t, r.ReplayBuffered(ctx, "bob"))

	frames := pub.sent(PeerSubject("bob"))
	require.Len(t, frames, 3)
	for i, want := range []string{"c1", "c2", "c3"} {
		var evt internal.Event[internal.SignalForwardPayload]
		require.NoError(t, json.Unmarshal(frames[i], &evt))
		var payload struct {
			Candidate string `json:"candidate"`
		}
		require.NoError(t, json.Unmarshal(evt.Data.Data, &payload))
		assert.Equal(t, want, payload.Candidate)
	}

	// Second replay finds nothing: the drain was destructive.
	require.NoError(t, r.ReplayBuffered(ctx, "bob"))
	assert.Len(t, pub.sent(PeerSubject("bob")), 3)
}

func TestDeliveryFailuresEscalateToPeerGone(t *testing.T) {
	pres, pub, store := &fakePresence{}, &fakePub{}, &memPending{}
	pres.set("bob", true)
	pub.failures = 3
	r := newTestRelay(pres, pub, store, 3)
	ctx := context.Background()

	err := r.Relay(ctx, "alice", "bob", internal.EventSessionDescription, candidate("sdp"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPeerGone)

	err = r.Relay(ctx, "alice", "bob", internal.EventSessionDescription, candidate("sdp"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPeerGone)

	err = r.Relay(ctx, "alice", "bob", internal.EventSessionDescription, candidate("sdp"))
	assert.ErrorIs(t, err, ErrPeerGone)
}

func TestDeliverySuccessResetsFailureCount(t *testing.T) {
	pres, pub, store := &fakePresence{}, &fakePub{}, &memPending{}
	pres.set("bob", true)
	pub.failures = 2
	r := newTestRelay(pres, pub, store, 3)
	ctx := context.Background()

	require.Error(t, r.Relay(ctx, "alice", "bob", internal.EventSessionDescription, candidate("sdp")))
	require.Error(t, r.Relay(ctx, "alice", "bob", internal.EventSessionDescription, candidate("sdp")))
	require.NoError(t, r.Relay(ctx, "alice", "bob", internal.EventSessionDescription, candidate("sdp")))

	// Fresh failure streak starts from zero again.
	pub.mu.Lock()
	pub.failures = 2
	pub.mu.Unlock()
	err := r.Relay(ctx, "alice", "bob", internal.EventSessionDescription, candidate("sdp"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPeerGone)
}

func TestBroadcastUsesSessionSubject(t *testing.T) {
	pres, pub, store := &fakePresence{}, &fakePub{}, &memPending{}
	r := newTestRelay(pres, pub, store, 3)

	evt, err := internal.NewServerEvent(internal.EventRemovePeer, internal.RemovePeerPayload{PeerId: "bob"})
	require.NoError(t, err)
	r.Broadcast("s1", evt)

	frames := pub.sent(SessionSubject("s1"))
	require.Len(t, frames, 1)
}
