package signaling

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeliverDropsWhenBufferFull(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	c := &Client{
		ID:     "p1",
		logger: logger.With("peerId", "p1"),
		send:   make(chan any, 1),
	}

	c.Deliver("first")
	c.Deliver("second")

	require.Equal(t, "first", <-c.send)
	select {
	case extra := <-c.send:
		t.Fatalf("overflow message was queued: %v", extra)
	default:
	}

	// The drop is logged, with the peer id attached exactly once (it is
	// already bound on the logger).
	line := buf.String()
	require.Contains(t, line, "send buffer full")
	require.Equal(t, 1, strings.Count(line, "peerId="))
}

func TestDeliverAfterCloseIsNoOp(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	c := &Client{
		ID:     "p1",
		logger: logger.With("peerId", "p1"),
		send:   make(chan any, 1),
	}

	c.closeSend()
	c.Deliver("late")

	_, open := <-c.send
	require.False(t, open)
	c.closeSend()
}
