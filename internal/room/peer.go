package room

import (
	"context"
	"errors"

	"github.com/looplab/fsm"

	"github.com/callisto-rtc/callisto/internal/engine"
)

// Outbox delivers server-initiated messages to a peer's connection. Rooms
// hold it as a weak reference to the connection: they never close it, and a
// dead connection makes Deliver a no-op.
type Outbox interface {
	Deliver(message any)
}

// Peer session states, in causal order.
const (
	PeerStateConnected         = "connected"
	PeerStateCapabilitiesSent  = "capabilitiesSent"
	PeerStateTransportsPending = "transportsPending"
	PeerStateTransportsReady   = "transportsReady"
	PeerStateActive            = "active"
	PeerStateClosed            = "closed"
)

const (
	peerEventCapabilities       = "capabilities"
	peerEventTransportCreated   = "transportCreated"
	peerEventTransportConnected = "transportConnected"
	peerEventActivate           = "activate"
	peerEventClose              = "close"
)

// newPeerFSM builds the session state machine. Creating a transport is
// legal from any live state (a replacement drops the session back to
// pending until the new transport connects); the remaining events only move
// forward.
func newPeerFSM() *fsm.FSM {
	return fsm.NewFSM(
		PeerStateConnected,
		fsm.Events{
			{Name: peerEventCapabilities, Src: []string{PeerStateConnected}, Dst: PeerStateCapabilitiesSent},
			{Name: peerEventTransportCreated, Src: []string{
				PeerStateConnected, PeerStateCapabilitiesSent, PeerStateTransportsPending,
				PeerStateTransportsReady, PeerStateActive,
			}, Dst: PeerStateTransportsPending},
			{Name: peerEventTransportConnected, Src: []string{
				PeerStateTransportsPending, PeerStateTransportsReady,
			}, Dst: PeerStateTransportsReady},
			{Name: peerEventActivate, Src: []string{
				PeerStateTransportsPending, PeerStateTransportsReady, PeerStateActive,
			}, Dst: PeerStateActive},
			{Name: peerEventClose, Src: []string{
				PeerStateConnected, PeerStateCapabilitiesSent, PeerStateTransportsPending,
				PeerStateTransportsReady, PeerStateActive,
			}, Dst: PeerStateClosed},
		},
		nil,
	)
}

// TransportState is the lifecycle of a peer's transport as the server
// tracks it.
type TransportState string

const (
	TransportStateCreated    TransportState = "created"
	TransportStateConnecting TransportState = "connecting"
	TransportStateConnected  TransportState = "connected"
	TransportStateClosed     TransportState = "closed"
)

// Transport is a peer-owned engine transport, keyed by direction.
type Transport struct {
	ID        string
	Direction engine.Direction
	State     TransportState
}

// Producer is a peer's outbound media stream offered into the room.
type Producer struct {
	ID          string
	Kind        engine.MediaKind
	TransportID string
	PeerID      string
	Closed      bool
}

// Consumer is a peer's subscription to a producer. ProducerID is a
// back-reference by id, never ownership: the producer may close
// independently, which cascades into closing the consumer.
type Consumer struct {
	ID          string
	ProducerID  string
	TransportID string
	PeerID      string
	Paused      bool
	Closed      bool
}

// PeerSession is all per-connection state for one joined peer. Every field
// is guarded by the owning room's lock.
type PeerSession struct {
	ID     string
	roomID string
	outbox Outbox

	sm         *fsm.FSM
	transports map[engine.Direction]*Transport
	producers  map[string]*Producer
	consumers  map[string]*Consumer
}

func newPeerSession(id, roomID string, outbox Outbox) *PeerSession {
	return &PeerSession{
		ID:         id,
		roomID:     roomID,
		outbox:     outbox,
		sm:         newPeerFSM(),
		transports: make(map[engine.Direction]*Transport),
		producers:  make(map[string]*Producer),
		consumers:  make(map[string]*Consumer),
	}
}

// State returns the current session state.
func (p *PeerSession) State() string {
	return p.sm.Current()
}

func (p *PeerSession) closed() bool {
	return p.sm.Is(PeerStateClosed)
}

// fire advances the state machine. Self-transitions are fine; an event the
// machine cannot take from its current state is an out-of-order operation.
func (p *PeerSession) fire(event string) error {
	err := p.sm.Event(context.Background(), event)
	if err == nil {
		return nil
	}
	var noop fsm.NoTransitionError
	if errors.As(err, &noop) {
		return nil
	}
	return ErrInvalidStateTransition
}
