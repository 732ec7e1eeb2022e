package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/randutil"
	"github.com/pion/webrtc/v4"
)

const runesAlpha = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ1234567890"

// routerRTPCapabilities is the codec set the loopback router advertises:
// Opus for audio, VP8 and baseline H264 for video.
var routerRTPCapabilities = json.RawMessage(`{
  "codecs": [
    {
      "kind": "audio",
      "mimeType": "audio/opus",
      "clockRate": 48000,
      "channels": 2,
      "rtcpFeedback": [{"type": "transport-cc"}],
      "parameters": {"useinbandfec": 1, "usedtx": 1}
    },
    {
      "kind": "video",
      "mimeType": "video/VP8",
      "clockRate": 90000,
      "rtcpFeedback": [
        {"type": "nack"},
        {"type": "nack", "parameter": "pli"},
        {"type": "ccm", "parameter": "fir"},
        {"type": "goog-remb"},
        {"type": "transport-cc"}
      ],
      "parameters": {}
    },
    {
      "kind": "video",
      "mimeType": "video/H264",
      "clockRate": 90000,
      "rtcpFeedback": [
        {"type": "nack"},
        {"type": "nack", "parameter": "pli"},
        {"type": "ccm", "parameter": "fir"},
        {"type": "goog-remb"},
        {"type": "transport-cc"}
      ],
      "parameters": {
        "packetization-mode": 1,
        "profile-level-id": "42e01f",
        "level-asymmetry-allowed": 1
      }
    }
  ]
}`)

// LoopbackOptions configure the Loopback engine's fabricated ICE surface.
type LoopbackOptions struct {
	// ListenIP is the address placed in ICE candidates when AnnouncedIP is
	// empty.
	ListenIP string

	// AnnouncedIP overrides ListenIP in candidates, for servers behind NAT.
	AnnouncedIP string

	// MinPort and MaxPort bound the fabricated RTC port range.
	MinPort uint16
	MaxPort uint16
}

type loopbackTransport struct {
	dtlsState DTLSState
}

type loopbackProducer struct {
	kind          MediaKind
	rtpParameters json.RawMessage
}

// Loopback is an in-process Engine for development and local testing: it
// allocates handles and fabricates plausible descriptors without moving any
// media. Deployments with a real engine replace it at startup wiring.
type Loopback struct {
	logger *slog.Logger
	opts   LoopbackOptions
	events chan Event

	mu         sync.Mutex
	nextPort   uint16
	routers    map[string]struct{}
	transports map[string]*loopbackTransport
	producers  map[string]*loopbackProducer
	consumers  map[string]bool // id -> paused
	stopped    bool
}

// NewLoopback creates a loopback engine. Zero-valued options fall back to
// localhost and the 40000-49999 port range.
func NewLoopback(logger *slog.Logger, opts LoopbackOptions) *Loopback {
	if opts.ListenIP == "" {
		opts.ListenIP = "127.0.0.1"
	}
	if opts.MinPort == 0 {
		opts.MinPort = 40000
	}
	if opts.MaxPort < opts.MinPort {
		opts.MaxPort = opts.MinPort + 9999
	}
	return &Loopback{
		logger:     logger.With("component", "loopback-engine"),
		opts:       opts,
		events:     make(chan Event, 64),
		nextPort:   opts.MinPort,
		routers:    make(map[string]struct{}),
		transports: make(map[string]*loopbackTransport),
		producers:  make(map[string]*loopbackProducer),
		consumers:  make(map[string]bool),
	}
}

func (l *Loopback) CreateRouter(ctx context.Context, roomID string) (*Router, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return nil, fmt.Errorf("loopback engine stopped")
	}
	id := uuid.NewString()
	l.routers[id] = struct{}{}
	l.logger.Debug("router created", "routerId", id, "roomId", roomID)
	return &Router{ID: id, RTPCapabilities: routerRTPCapabilities}, nil
}

func (l *Loopback) CreateTransport(ctx context.Context, router *Router, direction Direction) (*TransportInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return nil, fmt.Errorf("loopback engine stopped")
	}
	if _, ok := l.routers[router.ID]; !ok {
		return nil, fmt.Errorf("unknown router %q", router.ID)
	}

	id := uuid.NewString()
	l.transports[id] = &loopbackTransport{dtlsState: DTLSStateNew}

	ufrag, err := randutil.GenerateCryptoRandomString(16, runesAlpha)
	if err != nil {
		return nil, err
	}
	pwd, err := randutil.GenerateCryptoRandomString(32, runesAlpha)
	if err != nil {
		return nil, err
	}

	address := l.opts.ListenIP
	if l.opts.AnnouncedIP != "" {
		address = l.opts.AnnouncedIP
	}
	port := l.allocPortLocked()

	fingerprint, err := randomFingerprint()
	if err != nil {
		return nil, err
	}
	dtls, err := json.Marshal(map[string]any{
		"role": "auto",
		"fingerprints": []map[string]string{
			{"algorithm": "sha-256", "value": fingerprint},
		},
	})
	if err != nil {
		return nil, err
	}

	l.logger.Debug("transport created", "transportId", id, "direction", direction, "port", port)

	return &TransportInfo{
		ID: id,
		ICEParameters: webrtc.ICEParameters{
			UsernameFragment: ufrag,
			Password:         pwd,
			ICELite:          true,
		},
		ICECandidates: []webrtc.ICECandidate{
			{
				Foundation: "udpcandidate",
				Priority:   1076302079,
				Address:    address,
				Protocol:   webrtc.ICEProtocolUDP,
				Port:       port,
				Typ:        webrtc.ICECandidateTypeHost,
				Component:  1,
			},
		},
		DTLSParameters: dtls,
	}, nil
}

func (l *Loopback) ConnectTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.transports[transportID]
	if !ok {
		return fmt.Errorf("unknown transport %q", transportID)
	}
	if len(dtlsParameters) == 0 {
		return fmt.Errorf("empty dtls parameters")
	}
	t.dtlsState = DTLSStateConnected
	l.emitLocked(DTLSStateChanged{TransportID: transportID, State: DTLSStateConnected})
	return nil
}

func (l *Loopback) Produce(ctx context.Context, transportID string, kind MediaKind, rtpParameters json.RawMessage) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.transports[transportID]; !ok {
		return "", fmt.Errorf("unknown transport %q", transportID)
	}
	if !kind.Valid() {
		return "", fmt.Errorf("unknown media kind %q", kind)
	}
	if len(rtpParameters) == 0 {
		return "", fmt.Errorf("empty rtp parameters")
	}
	id := uuid.NewString()
	l.producers[id] = &loopbackProducer{kind: kind, rtpParameters: rtpParameters}
	return id, nil
}

func (l *Loopback) CanConsume(ctx context.Context, router *Router, producerID string, rtpCapabilities json.RawMessage) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.producers[producerID]; !ok {
		return false
	}
	return len(rtpCapabilities) > 0
}

func (l *Loopback) Consume(ctx context.Context, transportID string, producerID string, rtpCapabilities json.RawMessage) (*ConsumerInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.transports[transportID]; !ok {
		return nil, fmt.Errorf("unknown transport %q", transportID)
	}
	producer, ok := l.producers[producerID]
	if !ok {
		return nil, fmt.Errorf("unknown producer %q", producerID)
	}
	id := uuid.NewString()
	l.consumers[id] = true
	return &ConsumerInfo{
		ID:            id,
		ProducerID:    producerID,
		Kind:          producer.kind,
		RTPParameters: producer.rtpParameters,
	}, nil
}

func (l *Loopback) ResumeConsumer(ctx context.Context, consumerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.consumers[consumerID]; !ok {
		return fmt.Errorf("unknown consumer %q", consumerID)
	}
	l.consumers[consumerID] = false
	return nil
}

func (l *Loopback) CloseRouter(routerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.routers, routerID)
}

func (l *Loopback) CloseTransport(transportID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.transports[transportID]; ok {
		t.dtlsState = DTLSStateClosed
		delete(l.transports, transportID)
	}
}

func (l *Loopback) CloseProducer(producerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.producers, producerID)
}

func (l *Loopback) CloseConsumer(consumerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.consumers, consumerID)
}

func (l *Loopback) Events() <-chan Event {
	return l.events
}

// Stop closes the event channel. No engine calls may follow.
func (l *Loopback) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.stopped {
		l.stopped = true
		close(l.events)
	}
}

func (l *Loopback) allocPortLocked() uint16 {
	port := l.nextPort
	l.nextPort++
	if l.nextPort > l.opts.MaxPort {
		l.nextPort = l.opts.MinPort
	}
	return port
}

// emitLocked drops the event when nobody is draining the channel; loopback
// events are advisory.
func (l *Loopback) emitLocked(ev Event) {
	if l.stopped {
		return
	}
	select {
	case l.events <- ev:
	default:
	}
}

func randomFingerprint() (string, error) {
	raw, err := randutil.GenerateCryptoRandomString(64, "0123456789ABCDEF")
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, 32)
	for i := 0; i < len(raw); i += 2 {
		parts = append(parts, raw[i:i+2])
	}
	return strings.Join(parts, ":"), nil
}
