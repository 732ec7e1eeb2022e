// Package engine defines the adapter boundary to the external media engine.
// The engine owns all RTP/DTLS/ICE packet handling; the rest of the server
// only manipulates the handles and descriptors declared here.
package engine

import (
	"context"
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Direction tells the engine which way media flows on a transport.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// Valid reports whether d is one of the two known directions.
func (d Direction) Valid() bool {
	return d == DirectionSend || d == DirectionRecv
}

// MediaKind is the media type of a producer or consumer.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// Valid reports whether k is a known media kind.
func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

// DTLSState mirrors the engine's view of a transport's DTLS association.
type DTLSState string

const (
	DTLSStateNew        DTLSState = "new"
	DTLSStateConnecting DTLSState = "connecting"
	DTLSStateConnected  DTLSState = "connected"
	DTLSStateFailed     DTLSState = "failed"
	DTLSStateClosed     DTLSState = "closed"
)

// Router is a per-room media-routing context inside the engine. The RTP
// capabilities blob is opaque to the server; it is handed verbatim to
// clients so they can negotiate against the router.
type Router struct {
	ID              string
	RTPCapabilities json.RawMessage
}

// TransportInfo describes a freshly created engine transport. The ICE
// surface uses pion types since that is what clients feed their local
// PeerConnection; the DTLS parameters stay opaque.
type TransportInfo struct {
	ID             string                `json:"id"`
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters json.RawMessage       `json:"dtlsParameters"`
}

// ConsumerInfo describes a freshly created engine consumer. RTPParameters
// are the negotiated receive parameters the client must apply locally.
type ConsumerInfo struct {
	ID            string          `json:"id"`
	ProducerID    string          `json:"producerId"`
	Kind          MediaKind       `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

// Event is an engine-originated lifecycle notification. It is a closed set:
// DTLSStateChanged, TransportClosed and Died.
type Event interface {
	event()
}

// DTLSStateChanged reports a DTLS state transition on a transport. A
// "closed" or "failed" state must be handled exactly like an explicit
// transport close.
type DTLSStateChanged struct {
	TransportID string
	State       DTLSState
}

// TransportClosed reports that the engine tore a transport down on its own.
type TransportClosed struct {
	TransportID string
}

// Died reports that the engine process terminated. Every router is unusable
// after this event.
type Died struct {
	Err error
}

func (DTLSStateChanged) event() {}
func (TransportClosed) event()  {}
func (Died) event()             {}

// Engine is the media engine adapter. Creation and connect calls may block
// on the engine and take a context; the Close* calls are best-effort
// release notifications and must not block. Implementations must be safe
// for concurrent use.
type Engine interface {
	// CreateRouter allocates a routing context for a room.
	CreateRouter(ctx context.Context, roomID string) (*Router, error)

	// CreateTransport allocates a directional transport on a router.
	CreateTransport(ctx context.Context, router *Router, direction Direction) (*TransportInfo, error)

	// ConnectTransport completes the DTLS handshake with the client's
	// parameters.
	ConnectTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error

	// Produce starts receiving a client's media stream on a transport and
	// returns the engine-assigned producer id.
	Produce(ctx context.Context, transportID string, kind MediaKind, rtpParameters json.RawMessage) (string, error)

	// CanConsume reports whether a client with the given capabilities can
	// receive the producer's stream through the router.
	CanConsume(ctx context.Context, router *Router, producerID string, rtpCapabilities json.RawMessage) bool

	// Consume subscribes a transport to a producer's stream. Consumers
	// start paused; ResumeConsumer starts packet flow.
	Consume(ctx context.Context, transportID string, producerID string, rtpCapabilities json.RawMessage) (*ConsumerInfo, error)

	// ResumeConsumer starts packet flow on a paused consumer.
	ResumeConsumer(ctx context.Context, consumerID string) error

	CloseRouter(routerID string)
	CloseTransport(transportID string)
	CloseProducer(producerID string)
	CloseConsumer(consumerID string)

	// Events delivers engine-originated lifecycle events. The channel is
	// closed when the engine shuts down cleanly.
	Events() <-chan Event
}
