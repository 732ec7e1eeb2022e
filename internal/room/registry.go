package room

import (
	"context"
	"log/slog"
	"sync"

	"github.com/callisto-rtc/callisto/internal/engine"
	"github.com/callisto-rtc/callisto/internal/metrics"
)

// Registry owns the room-id to Room mapping. It is the only structure
// shared across connections besides the rooms themselves.
type Registry struct {
	logger *slog.Logger
	eng    engine.Engine

	mu    sync.Mutex
	rooms map[string]*roomEntry
}

// roomEntry is a created-or-being-created room. ready is closed once room
// or err is set, so concurrent GetOrCreateRoom calls for a never-seen id
// converge on a single engine CreateRouter call.
type roomEntry struct {
	ready chan struct{}
	room  *Room
	err   error
}

func NewRegistry(logger *slog.Logger, eng engine.Engine) *Registry {
	return &Registry{
		logger: logger,
		eng:    eng,
		rooms:  make(map[string]*roomEntry),
	}
}

// GetOrCreateRoom returns the room with the given id, creating it (and its
// engine router) on first use.
func (g *Registry) GetOrCreateRoom(ctx context.Context, roomID string) (*Room, error) {
	for {
		g.mu.Lock()
		e, ok := g.rooms[roomID]
		if !ok {
			e = &roomEntry{ready: make(chan struct{})}
			g.rooms[roomID] = e
			g.mu.Unlock()
			return g.createRoom(ctx, roomID, e)
		}
		g.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ErrEngineUnavailable
		}
		if e.err != nil {
			return nil, e.err
		}
		if !e.room.Closed() {
			return e.room, nil
		}
		// The room emptied out between lookup and use. Drop the stale
		// entry (RemovePeer may not have gotten to it yet) so the next
		// pass creates a fresh room instead of spinning on this one.
		g.mu.Lock()
		if cur, ok := g.rooms[roomID]; ok && cur == e {
			delete(g.rooms, roomID)
		}
		g.mu.Unlock()
	}
}

func (g *Registry) createRoom(ctx context.Context, roomID string, e *roomEntry) (*Room, error) {
	router, err := g.eng.CreateRouter(ctx, roomID)

	g.mu.Lock()
	if err != nil {
		delete(g.rooms, roomID)
		e.err = ErrEngineUnavailable
		g.logger.Error("engine createRouter failed, room not registered", "roomId", roomID, "error", err)
	} else {
		e.room = newRoom(g.logger, g.eng, roomID, router)
		metrics.RoomsOpen.Inc()
		g.logger.Info("room created", "roomId", roomID, "routerId", router.ID)
	}
	close(e.ready)
	g.mu.Unlock()

	return e.room, e.err
}

// RemovePeer removes the peer from its room, cascading per the cleanup
// rules; if the room empties it is destroyed and its router released.
func (g *Registry) RemovePeer(roomID, peerID string) {
	g.mu.Lock()
	e, ok := g.rooms[roomID]
	g.mu.Unlock()
	if !ok {
		return
	}
	<-e.ready
	if e.room == nil {
		return
	}

	_, empty := e.room.removePeer(peerID)
	if !empty {
		return
	}

	g.mu.Lock()
	if cur, ok := g.rooms[roomID]; ok && cur == e {
		delete(g.rooms, roomID)
	}
	g.mu.Unlock()

	g.eng.CloseRouter(e.room.routerID())
	metrics.RoomsOpen.Dec()
	g.logger.Info("room destroyed", "roomId", roomID)
}

// Run consumes engine lifecycle events until the context is canceled or the
// engine's event channel closes. Engine-detected transport closures run the
// same cascade as explicit closes; engine death degrades every room.
func (g *Registry) Run(ctx context.Context) {
	events := g.eng.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			g.handleEvent(ev)
		}
	}
}

func (g *Registry) handleEvent(ev engine.Event) {
	switch ev := ev.(type) {
	case engine.DTLSStateChanged:
		if ev.State == engine.DTLSStateClosed || ev.State == engine.DTLSStateFailed {
			g.closeTransport(ev.TransportID, "dtls "+string(ev.State))
		}
	case engine.TransportClosed:
		g.closeTransport(ev.TransportID, "engine closed")
	case engine.Died:
		g.logger.Error("media engine died", "error", ev.Err)
		for _, room := range g.snapshotRooms() {
			room.degrade()
		}
	}
}

func (g *Registry) closeTransport(transportID, reason string) {
	for _, room := range g.snapshotRooms() {
		if room.closeTransportByID(transportID, reason) {
			return
		}
	}
}

func (g *Registry) snapshotRooms() []*Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Room, 0, len(g.rooms))
	for _, e := range g.rooms {
		if e.room != nil {
			out = append(out, e.room)
		}
	}
	return out
}
