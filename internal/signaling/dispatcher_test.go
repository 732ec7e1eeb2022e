package signaling

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/callisto-rtc/callisto/internal/engine/enginetest"
	"github.com/callisto-rtc/callisto/internal/metrics"
	"github.com/callisto-rtc/callisto/internal/protocol"
	"github.com/callisto-rtc/callisto/internal/room"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *enginetest.Mock) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mock := enginetest.New()
	registry := room.NewRegistry(logger, mock)
	return NewDispatcher(logger, registry), mock
}

// drain empties the client's outbound queue, as if the write pump had
// flushed it.
func drain(c *Client) []any {
	var out []any
	for {
		select {
		case m := <-c.send:
			out = append(out, m)
		default:
			return out
		}
	}
}

func frame(t *testing.T, v map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func send(t *testing.T, d *Dispatcher, c *Client, v map[string]any) []any {
	t.Helper()
	d.Handle(c, frame(t, v))
	return drain(c)
}

func join(t *testing.T, d *Dispatcher, c *Client, roomID string) {
	t.Helper()
	replies := send(t, d, c, map[string]any{"type": "join", "roomId": roomID})
	require.Len(t, replies, 1)
	joined, ok := replies[0].(protocol.Joined)
	require.True(t, ok, "expected joined, got %T", replies[0])
	require.Equal(t, roomID, joined.RoomID)
	require.Equal(t, c.ID, joined.PeerID)
}

func onlyError(t *testing.T, replies []any) protocol.Error {
	t.Helper()
	require.Len(t, replies, 1)
	e, ok := replies[0].(protocol.Error)
	require.True(t, ok, "expected error frame, got %T", replies[0])
	return e
}

func TestUnknownTypesShareOneMetricSeries(t *testing.T) {
	d, _ := newTestDispatcher(t)
	c := d.NewClient(nil)

	before := testutil.CollectAndCount(metrics.MessagesHandled)
	for i := 0; i < 50; i++ {
		replies := send(t, d, c, map[string]any{"type": fmt.Sprintf("garbage-%d", i)})
		require.Equal(t, "InvalidMessage", onlyError(t, replies).Code)
	}
	after := testutil.CollectAndCount(metrics.MessagesHandled)

	// Client-chosen type strings all land on the "unknown" label; the
	// series count must not scale with the number of distinct strings.
	require.LessOrEqual(t, after, before+1)
}

func TestHandleMalformedMessages(t *testing.T) {
	d, _ := newTestDispatcher(t)
	c := d.NewClient(nil)

	d.Handle(c, []byte("not json at all"))
	require.Equal(t, "InvalidMessage", onlyError(t, drain(c)).Code)

	replies := send(t, d, c, map[string]any{"type": "teleport"})
	require.Equal(t, "InvalidMessage", onlyError(t, replies).Code)

	replies = send(t, d, c, map[string]any{"roomId": "r1"})
	require.Equal(t, "InvalidMessage", onlyError(t, replies).Code)
}

func TestOperationsRequireJoin(t *testing.T) {
	d, _ := newTestDispatcher(t)
	c := d.NewClient(nil)

	replies := send(t, d, c, map[string]any{"type": "getRouterRtpCapabilities"})
	require.Equal(t, "InvalidStateTransition", onlyError(t, replies).Code)

	replies = send(t, d, c, map[string]any{
		"type": "produce", "kind": "video", "rtpParameters": map[string]any{"codecs": []any{}},
	})
	require.Equal(t, "InvalidStateTransition", onlyError(t, replies).Code)
}

func TestErrorSentInPlaceOfResponse(t *testing.T) {
	d, _ := newTestDispatcher(t)
	c := d.NewClient(nil)
	join(t, d, c, "r1")

	// Producing without a connected send transport fails with exactly one
	// error frame and no producerCreated.
	replies := send(t, d, c, map[string]any{
		"type": "produce", "kind": "video", "rtpParameters": map[string]any{"codecs": []any{}},
	})
	require.Equal(t, "TransportNotReady", onlyError(t, replies).Code)
}

func setupTransport(t *testing.T, d *Dispatcher, c *Client, direction string) string {
	t.Helper()
	replies := send(t, d, c, map[string]any{"type": "createTransport", "direction": direction})
	require.Len(t, replies, 1)
	created, ok := replies[0].(protocol.TransportCreated)
	require.True(t, ok, "expected transportCreated, got %T", replies[0])
	require.Equal(t, direction, string(created.Direction))

	replies = send(t, d, c, map[string]any{
		"type": "connectTransport", "direction": direction,
		"dtlsParameters": map[string]any{"role": "client"},
	})
	require.Len(t, replies, 1)
	_, ok = replies[0].(protocol.TransportConnected)
	require.True(t, ok, "expected transportConnected, got %T", replies[0])
	return created.ID
}

func TestFullSignalingFlow(t *testing.T) {
	d, _ := newTestDispatcher(t)

	peerA := d.NewClient(nil)
	join(t, d, peerA, "r1")

	replies := send(t, d, peerA, map[string]any{"type": "getRouterRtpCapabilities"})
	require.Len(t, replies, 1)
	caps, ok := replies[0].(protocol.RouterRtpCapabilities)
	require.True(t, ok)
	require.NotEmpty(t, caps.Capabilities)

	setupTransport(t, d, peerA, "send")

	replies = send(t, d, peerA, map[string]any{
		"type": "produce", "kind": "video", "rtpParameters": map[string]any{"codecs": []any{}},
	})
	require.Len(t, replies, 1)
	created, ok := replies[0].(protocol.ProducerCreated)
	require.True(t, ok, "expected producerCreated, got %T", replies[0])
	require.NotEmpty(t, created.ID)

	// B joins after A's produce: no retroactive newProducer.
	peerB := d.NewClient(nil)
	join(t, d, peerB, "r1")
	require.Empty(t, drain(peerB))

	setupTransport(t, d, peerB, "recv")

	replies = send(t, d, peerB, map[string]any{
		"type": "consume", "producerId": created.ID,
		"rtpCapabilities": map[string]any{"codecs": []any{}},
	})
	require.Len(t, replies, 1)
	consumed, ok := replies[0].(protocol.ConsumerCreated)
	require.True(t, ok, "expected consumerCreated, got %T", replies[0])
	require.Equal(t, created.ID, consumed.ProducerID)

	replies = send(t, d, peerB, map[string]any{"type": "resumeConsumer", "consumerId": consumed.ID})
	require.Len(t, replies, 1)
	resumed, ok := replies[0].(protocol.ConsumerResumed)
	require.True(t, ok)
	require.Equal(t, consumed.ID, resumed.ConsumerID)

	// Duplicate resume acks again instead of erroring.
	replies = send(t, d, peerB, map[string]any{"type": "resumeConsumer", "consumerId": consumed.ID})
	require.Len(t, replies, 1)
	_, ok = replies[0].(protocol.ConsumerResumed)
	require.True(t, ok)

	// A second producer from A reaches B, which is now present.
	replies = send(t, d, peerA, map[string]any{
		"type": "produce", "kind": "audio", "rtpParameters": map[string]any{"codecs": []any{}},
	})
	require.Len(t, replies, 1)
	notified := drain(peerB)
	require.Len(t, notified, 1)
	newProd, ok := notified[0].(protocol.NewProducer)
	require.True(t, ok, "expected newProducer, got %T", notified[0])
	require.Equal(t, "audio", string(newProd.Kind))
}

func TestProduceDoesNotLeakAcrossRooms(t *testing.T) {
	d, _ := newTestDispatcher(t)

	peerA := d.NewClient(nil)
	join(t, d, peerA, "r1")
	peerB := d.NewClient(nil)
	join(t, d, peerB, "r1")
	peerC := d.NewClient(nil)
	join(t, d, peerC, "r2")

	setupTransport(t, d, peerA, "send")
	replies := send(t, d, peerA, map[string]any{
		"type": "produce", "kind": "video", "rtpParameters": map[string]any{"codecs": []any{}},
	})
	require.Len(t, replies, 1)
	_, ok := replies[0].(protocol.ProducerCreated)
	require.True(t, ok)

	require.Len(t, drain(peerB), 1, "same-room peer must be notified")
	require.Empty(t, drain(peerC), "other-room peer must not be notified")
}

func TestConsumeOtherRoomsProducerFails(t *testing.T) {
	d, _ := newTestDispatcher(t)

	peerA := d.NewClient(nil)
	join(t, d, peerA, "r1")
	setupTransport(t, d, peerA, "send")
	replies := send(t, d, peerA, map[string]any{
		"type": "produce", "kind": "video", "rtpParameters": map[string]any{"codecs": []any{}},
	})
	created := replies[0].(protocol.ProducerCreated)

	peerC := d.NewClient(nil)
	join(t, d, peerC, "r2")
	setupTransport(t, d, peerC, "recv")
	replies = send(t, d, peerC, map[string]any{
		"type": "consume", "producerId": created.ID,
		"rtpCapabilities": map[string]any{"codecs": []any{}},
	})
	require.Equal(t, "ProducerNotFound", onlyError(t, replies).Code)
}

func TestDisconnectRunsCascade(t *testing.T) {
	d, mock := newTestDispatcher(t)

	peerA := d.NewClient(nil)
	join(t, d, peerA, "r1")
	peerB := d.NewClient(nil)
	join(t, d, peerB, "r1")

	transportID := setupTransport(t, d, peerA, "send")
	replies := send(t, d, peerA, map[string]any{
		"type": "produce", "kind": "video", "rtpParameters": map[string]any{"codecs": []any{}},
	})
	created := replies[0].(protocol.ProducerCreated)
	require.Len(t, drain(peerB), 1, "expected the newProducer notification")

	d.Disconnect(peerA)

	require.Contains(t, mock.ClosedTransports, transportID)
	require.Contains(t, mock.ClosedProducers, created.ID)
	notified := drain(peerB)
	require.Len(t, notified, 1)
	closed, ok := notified[0].(protocol.ProducerClosed)
	require.True(t, ok, "expected producerClosed, got %T", notified[0])
	require.Equal(t, created.ID, closed.ProducerID)

	// Last peer leaving destroys the room and releases the router.
	d.Disconnect(peerB)
	require.Len(t, mock.ClosedRouters, 1)
}

func TestJoinSwitchesRooms(t *testing.T) {
	d, _ := newTestDispatcher(t)

	peerA := d.NewClient(nil)
	join(t, d, peerA, "r1")
	peerB := d.NewClient(nil)
	join(t, d, peerB, "r2")

	// A moves to r2; its produce now reaches B and nobody is left in r1.
	join(t, d, peerA, "r2")
	setupTransport(t, d, peerA, "send")
	replies := send(t, d, peerA, map[string]any{
		"type": "produce", "kind": "video", "rtpParameters": map[string]any{"codecs": []any{}},
	})
	require.Len(t, replies, 1)
	require.IsType(t, protocol.ProducerCreated{}, replies[0])
	require.Len(t, drain(peerB), 1)
}

func TestManyPeersBroadcast(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var peers []*Client
	for i := 0; i < 5; i++ {
		c := d.NewClient(nil)
		join(t, d, c, "big")
		peers = append(peers, c)
	}

	producer := peers[0]
	setupTransport(t, d, producer, "send")
	replies := send(t, d, producer, map[string]any{
		"type": "produce", "kind": "video", "rtpParameters": map[string]any{"codecs": []any{}},
	})
	require.IsType(t, protocol.ProducerCreated{}, replies[0])

	for _, c := range peers[1:] {
		msgs := drain(c)
		require.Len(t, msgs, 1)
		require.IsType(t, protocol.NewProducer{}, msgs[0])
	}
	require.Empty(t, drain(producer))
}
