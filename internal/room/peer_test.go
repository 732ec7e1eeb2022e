package room

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPeerSessionStateMachine(t *testing.T) {
	p := newPeerSession("A", "r1", &recordingOutbox{})
	require.Equal(t, PeerStateConnected, p.State())

	require.NoError(t, p.fire(peerEventCapabilities))
	require.Equal(t, PeerStateCapabilitiesSent, p.State())

	require.NoError(t, p.fire(peerEventTransportCreated))
	require.Equal(t, PeerStateTransportsPending, p.State())

	// The second transport keeps the session pending.
	require.NoError(t, p.fire(peerEventTransportCreated))
	require.Equal(t, PeerStateTransportsPending, p.State())

	require.NoError(t, p.fire(peerEventTransportConnected))
	require.Equal(t, PeerStateTransportsReady, p.State())

	require.NoError(t, p.fire(peerEventActivate))
	require.Equal(t, PeerStateActive, p.State())

	// A replacement transport drops the session back to pending.
	require.NoError(t, p.fire(peerEventTransportCreated))
	require.Equal(t, PeerStateTransportsPending, p.State())

	require.NoError(t, p.fire(peerEventClose))
	require.Equal(t, PeerStateClosed, p.State())
	require.True(t, p.closed())
}

func TestPeerSessionRejectsOutOfOrderEvents(t *testing.T) {
	p := newPeerSession("A", "r1", &recordingOutbox{})

	// Connecting a transport before one was ever created is out of order.
	err := p.fire(peerEventTransportConnected)
	require.ErrorIs(t, err, ErrInvalidStateTransition)
	require.Equal(t, PeerStateConnected, p.State())

	require.NoError(t, p.fire(peerEventClose))
	err = p.fire(peerEventTransportCreated)
	require.ErrorIs(t, err, ErrInvalidStateTransition)
	require.Equal(t, PeerStateClosed, p.State())
}

func TestPeerSessionCapabilitiesOnlyAdvanceOnce(t *testing.T) {
	p := newPeerSession("A", "r1", &recordingOutbox{})
	require.NoError(t, p.fire(peerEventCapabilities))
	require.NoError(t, p.fire(peerEventTransportCreated))

	// Re-requesting capabilities later must not move the session; the
	// room only fires the event from the initial state.
	err := p.fire(peerEventCapabilities)
	require.ErrorIs(t, err, ErrInvalidStateTransition)
}
