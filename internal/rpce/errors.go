package rpce

import "errors"

// Terminal error kinds surfaced by the bind core. Every failure out of
// Engine.Run wraps exactly one of these sentinels; callers classify with
// errors.Is. None of them is retried by the core -- re-establishing the
// virtual connection is the caller's decision.
var (
	// ErrAllocFailure indicates a PDU buffer could not be built.
	ErrAllocFailure = errors.New("allocation failure during PDU build")

	// ErrAuthOracleInit indicates the authentication oracle could not be
	// initialized with the resolved credentials, or failed while
	// producing or consuming a token.
	ErrAuthOracleInit = errors.New("auth oracle failure")

	// ErrMalformedPdu indicates an incoming bind_ack failed the decode
	// invariants, or an outbound PDU violated the wire limits.
	ErrMalformedPdu = errors.New("malformed PDU")

	// ErrChannelIO indicates a short write, a read failure or a reset on
	// one of the virtual connection channels.
	ErrChannelIO = errors.New("channel I/O error")

	// ErrDuplicateCall indicates a call-id collision in the registry.
	ErrDuplicateCall = errors.New("duplicate call id")

	// ErrUnknownCall indicates completion of a call-id that is not
	// registered.
	ErrUnknownCall = errors.New("unknown call id")

	// ErrCancelled indicates the user or the host cancelled the
	// handshake. Terminal, but not a fault: callers treat it as a
	// user-initiated abort rather than an error condition.
	ErrCancelled = errors.New("handshake cancelled")

	// ErrTimeout indicates the response deadline expired while waiting
	// for the server.
	ErrTimeout = errors.New("response timeout")
)
