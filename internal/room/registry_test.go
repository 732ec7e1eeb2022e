package room

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/callisto-rtc/callisto/internal/engine"
)

func TestGetOrCreateRoomSingleflight(t *testing.T) {
	g, mock := newTestRegistry(t)
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	rooms := make([]*Room, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rooms[i], errs[i] = g.GetOrCreateRoom(ctx, "r1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Same(t, rooms[0], rooms[i])
	}
	require.Equal(t, 1, mock.CreateRouterCalls)
}

func TestGetOrCreateRoomEngineFailure(t *testing.T) {
	g, mock := newTestRegistry(t)
	ctx := context.Background()

	mock.CreateRouterErr = errors.New("engine gone")
	_, err := g.GetOrCreateRoom(ctx, "r1")
	require.ErrorIs(t, err, ErrEngineUnavailable)

	// The failed room was never registered; once the engine recovers the
	// same id creates a fresh router.
	mock.CreateRouterErr = nil
	rm, err := g.GetOrCreateRoom(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "r1", rm.ID())
	require.Equal(t, 2, mock.CreateRouterCalls)
}

func TestRoomRecreatedAfterDestruction(t *testing.T) {
	g, mock := newTestRegistry(t)

	first, _ := joinPeer(t, g, "r1", "A")
	g.RemovePeer("r1", "A")
	require.True(t, first.Closed())

	second, _ := joinPeer(t, g, "r1", "B")
	require.NotSame(t, first, second)
	require.Equal(t, 2, mock.CreateRouterCalls)
}

func TestStaleEntryReplacedOnLookup(t *testing.T) {
	g, mock := newTestRegistry(t)
	first, _ := joinPeer(t, g, "r1", "A")

	// Close the room directly, leaving its registry entry behind, as in
	// the window where RemovePeer has emptied the room but not yet
	// re-acquired the registry lock.
	removed, empty := first.removePeer("A")
	require.True(t, removed)
	require.True(t, empty)

	// A concurrent lookup must not wait for the entry to disappear; it
	// drops the stale entry itself and creates a fresh room.
	second, err := g.GetOrCreateRoom(context.Background(), "r1")
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.False(t, second.Closed())
	require.Equal(t, 2, mock.CreateRouterCalls)
}

func TestDTLSClosedEventRunsCascade(t *testing.T) {
	g, mock := newTestRegistry(t)
	rm, _ := joinPeer(t, g, "r1", "A")
	_, outB := joinPeer(t, g, "r1", "B")
	transportID := connectTransport(t, rm, "A", engine.DirectionSend)
	producerID := produce(t, rm, "A")

	// The engine noticing the DTLS teardown must cascade exactly like an
	// explicit close.
	g.handleEvent(engine.DTLSStateChanged{TransportID: transportID, State: engine.DTLSStateClosed})

	require.Contains(t, mock.ClosedTransports, transportID)
	require.Contains(t, mock.ClosedProducers, producerID)
	closes := outB.producerCloses()
	require.Len(t, closes, 1)
	require.Equal(t, producerID, closes[0].ProducerID)

	_, err := rm.Produce(context.Background(), "A", engine.MediaKindVideo, testRTP, nil)
	require.ErrorIs(t, err, ErrTransportNotReady)
}

func TestTransportClosedEventRunsCascade(t *testing.T) {
	g, mock := newTestRegistry(t)
	rm, _ := joinPeer(t, g, "r1", "A")
	_, outB := joinPeer(t, g, "r1", "B")
	transportID := connectTransport(t, rm, "A", engine.DirectionSend)
	producerID := produce(t, rm, "A")

	g.handleEvent(engine.TransportClosed{TransportID: transportID})

	require.Contains(t, mock.ClosedTransports, transportID)
	require.Contains(t, mock.ClosedProducers, producerID)
	closes := outB.producerCloses()
	require.Len(t, closes, 1)
	require.Equal(t, producerID, closes[0].ProducerID)

	_, err := rm.Produce(context.Background(), "A", engine.MediaKindVideo, testRTP, nil)
	require.ErrorIs(t, err, ErrTransportNotReady)
}

func TestEngineDeathDegradesRooms(t *testing.T) {
	g, _ := newTestRegistry(t)
	rm1, outA := joinPeer(t, g, "r1", "A")
	rm2, outC := joinPeer(t, g, "r2", "C")

	g.handleEvent(engine.Died{Err: errors.New("worker exited")})

	for _, out := range []*recordingOutbox{outA, outC} {
		errs := out.errors()
		require.Len(t, errs, 1)
		require.Equal(t, CodeEngineDown, errs[0].Code)
	}

	ctx := context.Background()
	_, err := rm1.CreateTransport(ctx, "A", engine.DirectionSend)
	require.ErrorIs(t, err, ErrEngineUnavailable)
	_, err = rm2.CreateTransport(ctx, "C", engine.DirectionSend)
	require.ErrorIs(t, err, ErrEngineUnavailable)

	// Degraded rooms still answer capability queries and tear down
	// cleanly.
	_, err = rm1.RouterCapabilities("A")
	require.NoError(t, err)
	g.RemovePeer("r1", "A")
	require.True(t, rm1.Closed())
}

func TestRouterCapabilities(t *testing.T) {
	g, _ := newTestRegistry(t)
	rm, _ := joinPeer(t, g, "r1", "A")

	caps, err := rm.RouterCapabilities("A")
	require.NoError(t, err)
	require.NotEmpty(t, caps)

	_, err = rm.RouterCapabilities("nobody")
	require.ErrorIs(t, err, ErrInvalidStateTransition)
}
