// Package protocol defines the JSON signaling messages exchanged with
// clients. Every message is a flat object whose "type" field discriminates
// the variant.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/callisto-rtc/callisto/internal/engine"
)

// Inbound message types.
const (
	TypeJoin                     = "join"
	TypeGetRouterRtpCapabilities = "getRouterRtpCapabilities"
	TypeCreateTransport          = "createTransport"
	TypeConnectTransport         = "connectTransport"
	TypeProduce                  = "produce"
	TypeCloseProducer            = "closeProducer"
	TypeConsume                  = "consume"
	TypeResumeConsumer           = "resumeConsumer"
)

// Outbound message types.
const (
	TypeJoined                = "joined"
	TypeRouterRtpCapabilities = "routerRtpCapabilities"
	TypeTransportCreated      = "transportCreated"
	TypeTransportConnected    = "transportConnected"
	TypeProducerCreated       = "producerCreated"
	TypeNewProducer           = "newProducer"
	TypeProducerClosed        = "producerClosed"
	TypeConsumerCreated       = "consumerCreated"
	TypeConsumerResumed       = "consumerResumed"
	TypeError                 = "error"
)

// KnownInboundType reports whether t is a message type clients may send.
// Anything else is client-chosen input and must not reach label values or
// other unbounded server state.
func KnownInboundType(t string) bool {
	switch t {
	case TypeJoin, TypeGetRouterRtpCapabilities, TypeCreateTransport,
		TypeConnectTransport, TypeProduce, TypeCloseProducer,
		TypeConsume, TypeResumeConsumer:
		return true
	}
	return false
}

// Envelope carries only the discriminator; the full payload is re-decoded
// into the per-type struct once the type is known.
type Envelope struct {
	Type string `json:"type"`
}

// PeekType extracts the discriminator from a raw inbound frame.
func PeekType(raw []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("missing message type")
	}
	return env.Type, nil
}

// Inbound payloads. The Type field is omitted; it has already been consumed
// from the envelope.

type Join struct {
	RoomID string `json:"roomId"`
}

type CreateTransport struct {
	Direction engine.Direction `json:"direction"`
}

type ConnectTransport struct {
	Direction      engine.Direction `json:"direction"`
	DTLSParameters json.RawMessage  `json:"dtlsParameters"`
}

type Produce struct {
	Kind          engine.MediaKind `json:"kind"`
	RTPParameters json.RawMessage  `json:"rtpParameters"`
}

type CloseProducer struct {
	ProducerID string `json:"producerId"`
}

type Consume struct {
	ProducerID      string          `json:"producerId"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

type ResumeConsumer struct {
	ConsumerID string `json:"consumerId"`
}

// Outbound messages. These carry their own Type field so they marshal as
// complete frames.

type Joined struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	PeerID string `json:"peerId"`
}

type RouterRtpCapabilities struct {
	Type         string          `json:"type"`
	Capabilities json.RawMessage `json:"capabilities"`
}

type TransportCreated struct {
	Type           string                `json:"type"`
	ID             string                `json:"id"`
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters json.RawMessage       `json:"dtlsParameters"`
	Direction      engine.Direction      `json:"direction"`
}

type TransportConnected struct {
	Type      string           `json:"type"`
	Direction engine.Direction `json:"direction"`
}

type ProducerCreated struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type NewProducer struct {
	Type       string           `json:"type"`
	ProducerID string           `json:"producerId"`
	Kind       engine.MediaKind `json:"kind"`
}

type ProducerClosed struct {
	Type       string `json:"type"`
	ProducerID string `json:"producerId"`
}

type ConsumerCreated struct {
	Type          string           `json:"type"`
	ID            string           `json:"id"`
	ProducerID    string           `json:"producerId"`
	Kind          engine.MediaKind `json:"kind"`
	RTPParameters json.RawMessage  `json:"rtpParameters"`
}

type ConsumerResumed struct {
	Type       string `json:"type"`
	ConsumerID string `json:"consumerId"`
}

type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewJoined(roomID, peerID string) Joined {
	return Joined{Type: TypeJoined, RoomID: roomID, PeerID: peerID}
}

func NewRouterRtpCapabilities(capabilities json.RawMessage) RouterRtpCapabilities {
	return RouterRtpCapabilities{Type: TypeRouterRtpCapabilities, Capabilities: capabilities}
}

func NewTransportCreated(info *engine.TransportInfo, direction engine.Direction) TransportCreated {
	return TransportCreated{
		Type:           TypeTransportCreated,
		ID:             info.ID,
		ICEParameters:  info.ICEParameters,
		ICECandidates:  info.ICECandidates,
		DTLSParameters: info.DTLSParameters,
		Direction:      direction,
	}
}

func NewTransportConnected(direction engine.Direction) TransportConnected {
	return TransportConnected{Type: TypeTransportConnected, Direction: direction}
}

func NewProducerCreated(id string) ProducerCreated {
	return ProducerCreated{Type: TypeProducerCreated, ID: id}
}

func NewNewProducer(producerID string, kind engine.MediaKind) NewProducer {
	return NewProducer{Type: TypeNewProducer, ProducerID: producerID, Kind: kind}
}

func NewProducerClosed(producerID string) ProducerClosed {
	return ProducerClosed{Type: TypeProducerClosed, ProducerID: producerID}
}

func NewConsumerCreated(info *engine.ConsumerInfo) ConsumerCreated {
	return ConsumerCreated{
		Type:          TypeConsumerCreated,
		ID:            info.ID,
		ProducerID:    info.ProducerID,
		Kind:          info.Kind,
		RTPParameters: info.RTPParameters,
	}
}

func NewConsumerResumed(consumerID string) ConsumerResumed {
	return ConsumerResumed{Type: TypeConsumerResumed, ConsumerID: consumerID}
}

func NewError(code, message string) Error {
	return Error{Type: TypeError, Code: code, Message: message}
}
