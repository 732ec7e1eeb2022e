package room

// Error is a signaling-level failure with a stable wire code. Errors are
// recovered at the dispatcher boundary and reported to the offending
// connection only; they never tear down rooms or other peers.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

var (
	ErrRoomNotFound           = &Error{"RoomNotFound", "room not found"}
	ErrRouterNotReady         = &Error{"RouterNotReady", "room has no router yet"}
	ErrTransportNotFound      = &Error{"TransportNotFound", "no transport for that direction"}
	ErrTransportNotReady      = &Error{"TransportNotReady", "transport is not connected"}
	ErrAlreadyConnected       = &Error{"AlreadyConnected", "transport is already connected"}
	ErrProduceRejected        = &Error{"ProduceRejected", "engine rejected the producer parameters"}
	ErrCapabilityMismatch     = &Error{"CapabilityMismatch", "capabilities cannot consume that producer"}
	ErrProducerNotFound       = &Error{"ProducerNotFound", "producer not found in this room"}
	ErrConsumerNotFound       = &Error{"ConsumerNotFound", "consumer not found"}
	ErrEngineUnavailable      = &Error{"EngineUnavailable", "media engine unavailable"}
	ErrInvalidMessage         = &Error{"InvalidMessage", "malformed or unknown message"}
	ErrInvalidStateTransition = &Error{"InvalidStateTransition", "operation attempted out of order"}
)

// CodeEngineDown is the code of the unsolicited error notification sent to
// every peer of a room whose engine process died.
const CodeEngineDown = "ENGINE_DOWN"
