// Package signaling decodes the client protocol, validates each message
// against the sender's session and invokes the room operations.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/callisto-rtc/callisto/internal/metrics"
	"github.com/callisto-rtc/callisto/internal/protocol"
	"github.com/callisto-rtc/callisto/internal/room"
)

// Dispatcher routes decoded messages to room operations. It holds no
// per-connection state of its own; everything per-connection lives on the
// Client.
type Dispatcher struct {
	logger   *slog.Logger
	registry *room.Registry
}

func NewDispatcher(logger *slog.Logger, registry *room.Registry) *Dispatcher {
	return &Dispatcher{logger: logger, registry: registry}
}

// NewClient wraps an upgraded websocket connection. The caller starts the
// pumps.
func (d *Dispatcher) NewClient(conn *websocket.Conn) *Client {
	id := uuid.NewString()
	return &Client{
		ID:         id,
		logger:     d.logger.With("peerId", id),
		dispatcher: d,
		conn:       conn,
		send:       make(chan any, 256),
	}
}

// Handle processes one inbound frame. Per-connection ordering comes from
// being called inline from the connection's read loop; any failure is
// answered with an error frame on that connection only.
func (d *Dispatcher) Handle(c *Client, raw []byte) {
	msgType, err := protocol.PeekType(raw)
	if err != nil || !protocol.KnownInboundType(msgType) {
		// Client-chosen type strings must not become label values.
		metrics.MessagesHandled.WithLabelValues("unknown").Inc()
		d.replyError(c, room.ErrInvalidMessage)
		return
	}
	metrics.MessagesHandled.WithLabelValues(msgType).Inc()
	if err := d.dispatch(c, msgType, raw); err != nil {
		d.replyError(c, err)
	}
}

// Disconnect tears the client's session down. Called once when the
// connection's read loop exits; there is nobody left to answer, so the
// cascade runs silently.
func (d *Dispatcher) Disconnect(c *Client) {
	if c.joined == nil {
		return
	}
	d.logger.Info("client disconnected", "peerId", c.ID, "roomId", c.roomID)
	d.registry.RemovePeer(c.roomID, c.ID)
	c.joined = nil
	c.roomID = ""
}

func (d *Dispatcher) dispatch(c *Client, msgType string, raw []byte) error {
	ctx := context.Background()

	switch msgType {
	case protocol.TypeJoin:
		var msg protocol.Join
		if err := json.Unmarshal(raw, &msg); err != nil || msg.RoomID == "" {
			return room.ErrInvalidMessage
		}
		return d.join(ctx, c, msg.RoomID)

	case protocol.TypeGetRouterRtpCapabilities:
		rm, err := d.roomOf(c)
		if err != nil {
			return err
		}
		capabilities, err := rm.RouterCapabilities(c.ID)
		if err != nil {
			return err
		}
		c.Deliver(protocol.NewRouterRtpCapabilities(capabilities))
		return nil

	case protocol.TypeCreateTransport:
		var msg protocol.CreateTransport
		if err := json.Unmarshal(raw, &msg); err != nil || !msg.Direction.Valid() {
			return room.ErrInvalidMessage
		}
		rm, err := d.roomOf(c)
		if err != nil {
			return err
		}
		info, err := rm.CreateTransport(ctx, c.ID, msg.Direction)
		if err != nil {
			return err
		}
		c.Deliver(protocol.NewTransportCreated(info, msg.Direction))
		return nil

	case protocol.TypeConnectTransport:
		var msg protocol.ConnectTransport
		if err := json.Unmarshal(raw, &msg); err != nil || !msg.Direction.Valid() || len(msg.DTLSParameters) == 0 {
			return room.ErrInvalidMessage
		}
		rm, err := d.roomOf(c)
		if err != nil {
			return err
		}
		if err := rm.ConnectTransport(ctx, c.ID, msg.Direction, msg.DTLSParameters); err != nil {
			return err
		}
		c.Deliver(protocol.NewTransportConnected(msg.Direction))
		return nil

	case protocol.TypeProduce:
		var msg protocol.Produce
		if err := json.Unmarshal(raw, &msg); err != nil || !msg.Kind.Valid() || len(msg.RTPParameters) == 0 {
			return room.ErrInvalidMessage
		}
		rm, err := d.roomOf(c)
		if err != nil {
			return err
		}
		// The ack goes out before the room fans newProducer out to the
		// other peers.
		_, err = rm.Produce(ctx, c.ID, msg.Kind, msg.RTPParameters, func(producerID string) {
			c.Deliver(protocol.NewProducerCreated(producerID))
		})
		return err

	case protocol.TypeCloseProducer:
		var msg protocol.CloseProducer
		if err := json.Unmarshal(raw, &msg); err != nil || msg.ProducerID == "" {
			return room.ErrInvalidMessage
		}
		rm, err := d.roomOf(c)
		if err != nil {
			return err
		}
		if err := rm.CloseProducer(c.ID, msg.ProducerID); err != nil {
			return err
		}
		c.Deliver(protocol.NewProducerClosed(msg.ProducerID))
		return nil

	case protocol.TypeConsume:
		var msg protocol.Consume
		if err := json.Unmarshal(raw, &msg); err != nil || msg.ProducerID == "" || len(msg.RTPCapabilities) == 0 {
			return room.ErrInvalidMessage
		}
		rm, err := d.roomOf(c)
		if err != nil {
			return err
		}
		info, err := rm.Consume(ctx, c.ID, msg.ProducerID, msg.RTPCapabilities)
		if err != nil {
			return err
		}
		c.Deliver(protocol.NewConsumerCreated(info))
		return nil

	case protocol.TypeResumeConsumer:
		var msg protocol.ResumeConsumer
		if err := json.Unmarshal(raw, &msg); err != nil || msg.ConsumerID == "" {
			return room.ErrInvalidMessage
		}
		rm, err := d.roomOf(c)
		if err != nil {
			return err
		}
		if err := rm.ResumeConsumer(ctx, c.ID, msg.ConsumerID); err != nil {
			return err
		}
		c.Deliver(protocol.NewConsumerResumed(msg.ConsumerID))
		return nil

	default:
		return room.ErrInvalidMessage
	}
}

// join registers the client in a room, leaving any previous room first.
func (d *Dispatcher) join(ctx context.Context, c *Client, roomID string) error {
	if c.joined != nil {
		d.registry.RemovePeer(c.roomID, c.ID)
		c.joined = nil
		c.roomID = ""
	}
	rm, err := d.registry.GetOrCreateRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if err := rm.Join(c.ID, c); err != nil {
		return err
	}
	c.joined = rm
	c.roomID = roomID
	c.Deliver(protocol.NewJoined(roomID, c.ID))
	return nil
}

func (d *Dispatcher) roomOf(c *Client) (*room.Room, error) {
	if c.joined == nil {
		return nil, room.ErrInvalidStateTransition
	}
	return c.joined, nil
}

func (d *Dispatcher) replyError(c *Client, err error) {
	var rerr *room.Error
	if !errors.As(err, &rerr) {
		d.logger.Error("unclassified dispatch error", "peerId", c.ID, "error", err)
		rerr = room.ErrEngineUnavailable
	}
	metrics.SignalErrors.WithLabelValues(rerr.Code).Inc()
	c.Deliver(protocol.NewError(rerr.Code, rerr.Message))
}
