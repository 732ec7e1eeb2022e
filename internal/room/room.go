// Package room owns the in-memory topology of the server: which peer is in
// which room, and which transports, producers and consumers each peer
// holds. All mutation of a room's state happens under that room's lock;
// engine calls are made off-lock and their results are re-validated against
// the room before being registered.
package room

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/callisto-rtc/callisto/internal/engine"
	"github.com/callisto-rtc/callisto/internal/metrics"
	"github.com/callisto-rtc/callisto/internal/protocol"
)

// Room arbitrates all mutations to its peer set. It exists while it has at
// least one peer (or is gaining its first) and is destroyed synchronously
// with the removal of its last peer.
type Room struct {
	id     string
	logger *slog.Logger
	eng    engine.Engine
	router *engine.Router

	mu       sync.Mutex
	peers    map[string]*PeerSession
	degraded bool
	closed   bool
}

// delivery is a queued outbound notification, flushed after the room lock
// is released.
type delivery struct {
	outbox Outbox
	msg    any
}

func deliver(pending []delivery) {
	for _, d := range pending {
		d.outbox.Deliver(d.msg)
	}
}

func newRoom(logger *slog.Logger, eng engine.Engine, id string, router *engine.Router) *Room {
	return &Room{
		id:     id,
		logger: logger.With("roomId", id),
		eng:    eng,
		router: router,
		peers:  make(map[string]*PeerSession),
	}
}

func (r *Room) ID() string { return r.id }

func (r *Room) routerID() string { return r.router.ID }

// Closed reports whether the room has been destroyed.
func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// PeerCount returns the number of joined peers.
func (r *Room) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Join registers a peer session. Joining again with the same peer id
// replaces the prior membership, closing it first.
func (r *Room) Join(peerID string, outbox Outbox) error {
	var pending []delivery
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRoomNotFound
	}
	if old, ok := r.peers[peerID]; ok {
		r.closePeerLocked(old, &pending)
		delete(r.peers, peerID)
		metrics.PeersJoined.Dec()
	}
	r.peers[peerID] = newPeerSession(peerID, r.id, outbox)
	metrics.PeersJoined.Inc()
	r.mu.Unlock()

	deliver(pending)
	r.logger.Info("peer joined", "peerId", peerID)
	return nil
}

// RouterCapabilities returns the router's RTP capability blob for the
// client-side negotiation step.
func (r *Room) RouterCapabilities(peerID string) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.peerLocked(peerID)
	if err != nil {
		return nil, err
	}
	if r.router == nil {
		return nil, ErrRouterNotReady
	}
	if p.sm.Is(PeerStateConnected) {
		if err := p.fire(peerEventCapabilities); err != nil {
			return nil, err
		}
	}
	return r.router.RTPCapabilities, nil
}

// CreateTransport allocates an engine transport for the given direction. An
// existing transport for that direction is closed (with its full cascade)
// and replaced.
func (r *Room) CreateTransport(ctx context.Context, peerID string, direction engine.Direction) (*engine.TransportInfo, error) {
	var pending []delivery
	r.mu.Lock()
	p, err := r.peerLocked(peerID)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if r.degraded {
		r.mu.Unlock()
		return nil, ErrEngineUnavailable
	}
	if old, ok := p.transports[direction]; ok {
		r.closeTransportLocked(p, old, &pending, "replaced")
	}
	router := r.router
	r.mu.Unlock()
	deliver(pending)

	info, err := r.eng.CreateTransport(ctx, router, direction)
	if err != nil {
		r.logger.Error("engine createTransport failed", "peerId", peerID, "error", err)
		return nil, ErrEngineUnavailable
	}

	r.mu.Lock()
	p, err = r.peerLocked(peerID)
	if err != nil {
		r.mu.Unlock()
		// The peer left while the engine call was pending; release the
		// engine-side transport instead of registering it.
		r.eng.CloseTransport(info.ID)
		return nil, err
	}
	p.transports[direction] = &Transport{ID: info.ID, Direction: direction, State: TransportStateCreated}
	_ = p.fire(peerEventTransportCreated)
	r.mu.Unlock()

	return info, nil
}

// ConnectTransport runs the DTLS handshake for the peer's transport in the
// given direction.
func (r *Room) ConnectTransport(ctx context.Context, peerID string, direction engine.Direction, dtlsParameters json.RawMessage) error {
	r.mu.Lock()
	p, err := r.peerLocked(peerID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	t, ok := p.transports[direction]
	if !ok || t.State == TransportStateClosed {
		r.mu.Unlock()
		return ErrTransportNotFound
	}
	if t.State != TransportStateCreated {
		r.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.State = TransportStateConnecting
	r.mu.Unlock()

	connErr := r.eng.ConnectTransport(ctx, t.ID, dtlsParameters)

	r.mu.Lock()
	defer r.mu.Unlock()
	p, err = r.peerLocked(peerID)
	if err != nil {
		return err
	}
	cur, ok := p.transports[direction]
	if !ok || cur.ID != t.ID || cur.State == TransportStateClosed {
		return ErrTransportNotFound
	}
	if connErr != nil {
		cur.State = TransportStateCreated
		r.logger.Error("engine connectTransport failed", "peerId", peerID, "transportId", t.ID, "error", connErr)
		return ErrEngineUnavailable
	}
	cur.State = TransportStateConnected
	_ = p.fire(peerEventTransportConnected)
	return nil
}

// Produce starts a producer on the peer's send transport. ack runs with the
// new producer id before the newProducer broadcast goes out, so the
// producing peer always hears about its own producer first.
func (r *Room) Produce(ctx context.Context, peerID string, kind engine.MediaKind, rtpParameters json.RawMessage, ack func(producerID string)) (string, error) {
	r.mu.Lock()
	p, err := r.peerLocked(peerID)
	if err != nil {
		r.mu.Unlock()
		return "", err
	}
	if r.degraded {
		r.mu.Unlock()
		return "", ErrEngineUnavailable
	}
	t, ok := p.transports[engine.DirectionSend]
	if !ok || t.State != TransportStateConnected {
		r.mu.Unlock()
		return "", ErrTransportNotReady
	}
	transportID := t.ID
	r.mu.Unlock()

	producerID, err := r.eng.Produce(ctx, transportID, kind, rtpParameters)
	if err != nil {
		r.logger.Warn("engine rejected produce", "peerId", peerID, "kind", kind, "error", err)
		return "", ErrProduceRejected
	}

	r.mu.Lock()
	p, err = r.peerLocked(peerID)
	if err != nil {
		r.mu.Unlock()
		r.eng.CloseProducer(producerID)
		return "", err
	}
	cur, ok := p.transports[engine.DirectionSend]
	if !ok || cur.ID != transportID || cur.State != TransportStateConnected {
		r.mu.Unlock()
		r.eng.CloseProducer(producerID)
		return "", ErrTransportNotReady
	}
	p.producers[producerID] = &Producer{
		ID:          producerID,
		Kind:        kind,
		TransportID: transportID,
		PeerID:      peerID,
	}
	_ = p.fire(peerEventActivate)
	metrics.ProducersOpen.Inc()
	recipients := r.otherOutboxesLocked(peerID)
	r.mu.Unlock()

	if ack != nil {
		ack(producerID)
	}
	msg := protocol.NewNewProducer(producerID, kind)
	for _, o := range recipients {
		o.Deliver(msg)
	}
	r.logger.Info("producer created", "peerId", peerID, "producerId", producerID, "kind", kind)
	return producerID, nil
}

// CloseProducer closes one of the peer's own producers and cascades into
// every consumer referencing it.
func (r *Room) CloseProducer(peerID, producerID string) error {
	var pending []delivery
	r.mu.Lock()
	p, err := r.peerLocked(peerID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	prod, ok := p.producers[producerID]
	if !ok || prod.Closed {
		r.mu.Unlock()
		return ErrProducerNotFound
	}
	r.closeProducerLocked(p, prod, &pending)
	r.mu.Unlock()

	deliver(pending)
	return nil
}

// Consume subscribes the peer to a producer in the same room through its
// receive transport. The consumer starts paused.
func (r *Room) Consume(ctx context.Context, peerID, producerID string, rtpCapabilities json.RawMessage) (*engine.ConsumerInfo, error) {
	r.mu.Lock()
	p, err := r.peerLocked(peerID)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if r.degraded {
		r.mu.Unlock()
		return nil, ErrEngineUnavailable
	}
	t, ok := p.transports[engine.DirectionRecv]
	if !ok || t.State != TransportStateConnected {
		r.mu.Unlock()
		return nil, ErrTransportNotReady
	}
	prod := r.findProducerLocked(producerID)
	if prod == nil {
		r.mu.Unlock()
		return nil, ErrProducerNotFound
	}
	transportID := t.ID
	router := r.router
	r.mu.Unlock()

	if !r.eng.CanConsume(ctx, router, producerID, rtpCapabilities) {
		return nil, ErrCapabilityMismatch
	}
	info, err := r.eng.Consume(ctx, transportID, producerID, rtpCapabilities)
	if err != nil {
		r.logger.Error("engine consume failed", "peerId", peerID, "producerId", producerID, "error", err)
		return nil, ErrEngineUnavailable
	}

	r.mu.Lock()
	p, err = r.peerLocked(peerID)
	if err != nil {
		r.mu.Unlock()
		r.eng.CloseConsumer(info.ID)
		return nil, err
	}
	cur, ok := p.transports[engine.DirectionRecv]
	if !ok || cur.ID != transportID || cur.State != TransportStateConnected {
		r.mu.Unlock()
		r.eng.CloseConsumer(info.ID)
		return nil, ErrTransportNotReady
	}
	if prod := r.findProducerLocked(producerID); prod == nil {
		// Producer closed while the engine call was pending; a consumer may
		// never outlive its producer.
		r.mu.Unlock()
		r.eng.CloseConsumer(info.ID)
		return nil, ErrProducerNotFound
	}
	p.consumers[info.ID] = &Consumer{
		ID:          info.ID,
		ProducerID:  producerID,
		TransportID: transportID,
		PeerID:      peerID,
		Paused:      true,
	}
	_ = p.fire(peerEventActivate)
	metrics.ConsumersOpen.Inc()
	r.mu.Unlock()

	r.logger.Info("consumer created", "peerId", peerID, "consumerId", info.ID, "producerId", producerID)
	return info, nil
}

// ResumeConsumer unpauses one of the peer's consumers. Resuming an already
// resumed consumer is a no-op success so clients can retry safely.
func (r *Room) ResumeConsumer(ctx context.Context, peerID, consumerID string) error {
	r.mu.Lock()
	p, err := r.peerLocked(peerID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	c, ok := p.consumers[consumerID]
	if !ok || c.Closed {
		r.mu.Unlock()
		return ErrConsumerNotFound
	}
	if !c.Paused {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	resumeErr := r.eng.ResumeConsumer(ctx, consumerID)

	r.mu.Lock()
	defer r.mu.Unlock()
	p, err = r.peerLocked(peerID)
	if err != nil {
		return err
	}
	c, ok = p.consumers[consumerID]
	if !ok || c.Closed {
		return ErrConsumerNotFound
	}
	if resumeErr != nil {
		r.logger.Error("engine resumeConsumer failed", "peerId", peerID, "consumerId", consumerID, "error", resumeErr)
		return ErrEngineUnavailable
	}
	c.Paused = false
	return nil
}

// ConsumerPaused reports the paused flag of a live consumer.
func (r *Room) ConsumerPaused(peerID, consumerID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.peerLocked(peerID)
	if err != nil {
		return false, err
	}
	c, ok := p.consumers[consumerID]
	if !ok || c.Closed {
		return false, ErrConsumerNotFound
	}
	return c.Paused, nil
}

// removePeer tears the peer down with the full cascade and reports whether
// the room emptied. The registry destroys an emptied room synchronously.
func (r *Room) removePeer(peerID string) (removed, empty bool) {
	var pending []delivery
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false, false
	}
	p, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return false, false
	}
	r.closePeerLocked(p, &pending)
	delete(r.peers, peerID)
	metrics.PeersJoined.Dec()
	empty = len(r.peers) == 0
	if empty {
		r.closed = true
	}
	r.mu.Unlock()

	deliver(pending)
	r.logger.Info("peer removed", "peerId", peerID, "roomEmpty", empty)
	return true, empty
}

// closeTransportByID handles an engine-originated transport closure. It
// runs exactly the cascade an explicit close would; only the logging
// differs. Returns false when no peer of this room owns the transport.
func (r *Room) closeTransportByID(transportID, reason string) bool {
	var pending []delivery
	r.mu.Lock()
	for _, p := range r.peers {
		for _, t := range p.transports {
			if t.ID == transportID {
				r.closeTransportLocked(p, t, &pending, reason)
				r.mu.Unlock()
				deliver(pending)
				return true
			}
		}
	}
	r.mu.Unlock()
	return false
}

// degrade marks the room's router unusable after engine death and tells
// every peer.
func (r *Room) degrade() {
	r.mu.Lock()
	if r.degraded || r.closed {
		r.mu.Unlock()
		return
	}
	r.degraded = true
	outboxes := make([]Outbox, 0, len(r.peers))
	for _, p := range r.peers {
		outboxes = append(outboxes, p.outbox)
	}
	r.mu.Unlock()

	msg := protocol.NewError(CodeEngineDown, "media engine process died")
	for _, o := range outboxes {
		o.Deliver(msg)
	}
	r.logger.Warn("room degraded: engine down")
}

func (r *Room) peerLocked(peerID string) (*PeerSession, error) {
	if r.closed {
		return nil, ErrRoomNotFound
	}
	p, ok := r.peers[peerID]
	if !ok || p.closed() {
		return nil, ErrInvalidStateTransition
	}
	return p, nil
}

func (r *Room) findProducerLocked(producerID string) *Producer {
	for _, p := range r.peers {
		if prod, ok := p.producers[producerID]; ok && !prod.Closed {
			return prod
		}
	}
	return nil
}

func (r *Room) otherOutboxesLocked(excludePeerID string) []Outbox {
	out := make([]Outbox, 0, len(r.peers))
	for id, p := range r.peers {
		if id == excludePeerID {
			continue
		}
		out = append(out, p.outbox)
	}
	return out
}

func (r *Room) closePeerLocked(p *PeerSession, pending *[]delivery) {
	for _, direction := range []engine.Direction{engine.DirectionSend, engine.DirectionRecv} {
		if t, ok := p.transports[direction]; ok {
			r.closeTransportLocked(p, t, pending, "peer closed")
		}
	}
	_ = p.fire(peerEventClose)
}

// closeTransportLocked closes the transport and everything it owns:
// producers (each cascading into its consumers room-wide) and consumers.
func (r *Room) closeTransportLocked(p *PeerSession, t *Transport, pending *[]delivery, reason string) {
	if t.State == TransportStateClosed {
		return
	}
	t.State = TransportStateClosed
	delete(p.transports, t.Direction)
	r.eng.CloseTransport(t.ID)

	for _, prod := range p.producers {
		if prod.TransportID == t.ID && !prod.Closed {
			r.closeProducerLocked(p, prod, pending)
		}
	}
	for _, c := range p.consumers {
		if c.TransportID == t.ID && !c.Closed {
			r.closeConsumerLocked(p, c)
		}
	}
	r.logger.Debug("transport closed", "transportId", t.ID, "peerId", p.ID, "reason", reason)
}

// closeProducerLocked closes the producer, closes every consumer in the
// room referencing it and queues the producerClosed broadcast for the other
// peers.
func (r *Room) closeProducerLocked(owner *PeerSession, prod *Producer, pending *[]delivery) {
	prod.Closed = true
	delete(owner.producers, prod.ID)
	r.eng.CloseProducer(prod.ID)
	metrics.ProducersOpen.Dec()

	for _, p := range r.peers {
		for _, c := range p.consumers {
			if c.ProducerID == prod.ID && !c.Closed {
				r.closeConsumerLocked(p, c)
			}
		}
	}

	msg := protocol.NewProducerClosed(prod.ID)
	for id, p := range r.peers {
		if id == prod.PeerID {
			continue
		}
		*pending = append(*pending, delivery{p.outbox, msg})
	}
}

func (r *Room) closeConsumerLocked(owner *PeerSession, c *Consumer) {
	c.Closed = true
	delete(owner.consumers, c.ID)
	r.eng.CloseConsumer(c.ID)
	metrics.ConsumersOpen.Dec()
}
