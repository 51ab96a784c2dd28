package rpce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// -------------------------------------------------------------------------
// Channel Contracts
// -------------------------------------------------------------------------

// InChannel is the outbound leg of the virtual connection. Send must
// transmit the entire buffer as one logical write; a short write is a
// channel error. The codec and engine are unaware of any fragmentation
// the HTTP layer performs underneath.
type InChannel interface {
	Send(ctx context.Context, buf []byte) (int, error)
}

// OutChannel is the inbound leg of the virtual connection. Recv fills
// buf with the next available bytes of the response stream and returns
// the count; PDU framing is reassembled by the engine.
type OutChannel interface {
	Recv(ctx context.Context, buf []byte) (int, error)
}

// -------------------------------------------------------------------------
// Metrics
// -------------------------------------------------------------------------

// MetricsReporter receives handshake telemetry. Implemented by the
// prometheus collector; the default is a no-op.
type MetricsReporter interface {
	// PduSent is called after a PDU is fully handed to the IN channel.
	PduSent(ptype PType, bytes int)

	// PduReceived is called after a full PDU is reassembled from the
	// OUT channel.
	PduReceived(ptype PType, bytes int)

	// HandshakeDone is called once per Run with the terminal outcome:
	// "established", "cancelled", "timeout" or "error".
	HandshakeDone(outcome string)

	// FragSizesNegotiated reports the post-bind_ack local limits.
	FragSizesNegotiated(xmit, recv uint16)
}

// noopMetrics is the default MetricsReporter.
type noopMetrics struct{}

func (noopMetrics) PduSent(PType, int)              {}
func (noopMetrics) PduReceived(PType, int)          {}
func (noopMetrics) HandshakeDone(string)            {}
func (noopMetrics) FragSizesNegotiated(_, _ uint16) {}

// -------------------------------------------------------------------------
// Handshake State
// -------------------------------------------------------------------------

// HandshakeState is the bind engine's position in the three-leg exchange.
type HandshakeState uint8

const (
	// StateInit is the state before any PDU has been sent.
	StateInit HandshakeState = iota

	// StateBindSent means the secure bind is on the wire.
	StateBindSent

	// StateAwaitingBindAck means the engine is reading the OUT channel.
	StateAwaitingBindAck

	// StateAuth3Send means the bind_ack was accepted and the third
	// authentication leg is being produced.
	StateAuth3Send

	// StateEstablished is the terminal success state.
	StateEstablished

	// StateFailed is the terminal failure state.
	StateFailed
)

// stateNames maps handshake states to human-readable strings.
var stateNames = [...]string{
	"Init",
	"BindSent",
	"AwaitingBindAck",
	"Auth3Send",
	"Established",
	"Failed",
}

// String returns the human-readable name for the handshake state.
func (s HandshakeState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// -------------------------------------------------------------------------
// Engine Configuration
// -------------------------------------------------------------------------

// BindCallID is the call-id shared by all three handshake PDUs. Call-id
// 1 belongs to the RTS channel setup that precedes the bind on the
// virtual connection.
const BindCallID uint32 = 2

// DefaultMaxXmitFrag is the fragment transmit limit proposed on bind.
const DefaultMaxXmitFrag uint16 = 4088

// DefaultMaxRecvFrag is the fragment receive limit proposed on bind.
const DefaultMaxRecvFrag uint16 = 4088

// defaultRecvTimeout bounds the wait for the bind_ack when the caller
// does not provide one.
const defaultRecvTimeout = 30 * time.Second

// bindPFCFlags are the common-header flags on the secure bind.
const bindPFCFlags = PFCFirstFrag | PFCLastFrag | PFCSupportHeaderSign | PFCConcMPX

// auth3PFCFlags are the common-header flags on rpc_auth_3. Header
// signing is advertised on bind only.
const auth3PFCFlags = PFCFirstFrag | PFCLastFrag | PFCConcMPX

// Config carries the per-session settings snapshot the engine binds
// against. The snapshot is taken at session start; the engine never
// reaches back into shared configuration.
type Config struct {
	// GatewayHost is the gateway endpoint, used for prompt labels and
	// log attribution only.
	GatewayHost string

	// Gateway is the credential bundle for the gateway itself.
	Gateway Credentials

	// Session is the credential bundle for the RDP session behind the
	// gateway. Replaced by the gateway bundle when UseSameCredentials
	// is set.
	Session Credentials

	// UseSameCredentials copies the gateway credentials into the
	// session slots (all three fields, as one group).
	UseSameCredentials bool

	// MaxXmitFrag is the proposed transmit fragment limit. Defaults to
	// DefaultMaxXmitFrag when zero.
	MaxXmitFrag uint16

	// MaxRecvFrag is the proposed receive fragment limit. Defaults to
	// DefaultMaxRecvFrag when zero.
	MaxRecvFrag uint16

	// RecvTimeout bounds the wait for the bind_ack: one deadline covers
	// all OUT channel reads that reassemble it. Defaults to
	// defaultRecvTimeout when zero.
	RecvTimeout time.Duration
}

// NegotiatedParameters is the result of a completed handshake.
type NegotiatedParameters struct {
	// MaxXmitFrag is the largest fragment this client may send: the
	// server's reported receive limit.
	MaxXmitFrag uint16

	// MaxRecvFrag is the largest fragment the server will send: the
	// server's reported transmit limit. An upper bound on what the peer
	// sends; receive buffers may be larger.
	MaxRecvFrag uint16

	// AssocGroupID is the association group assigned by the server
	// (group id 0 on bind requests a new group).
	AssocGroupID uint32

	// GatewayCredentials is the resolved gateway bundle, including any
	// prompted values.
	GatewayCredentials Credentials

	// SessionCredentials is the resolved session bundle after the
	// UseSameCredentials transformation.
	SessionCredentials Credentials
}

// -------------------------------------------------------------------------
// Engine
// -------------------------------------------------------------------------

// Engine drives the secure bind handshake over a virtual connection.
// An Engine belongs to one session and is not reused after Run returns.
// Distinct engines are independent and may run concurrently.
type Engine struct {
	cfg       Config
	in        InChannel
	out       OutChannel
	newOracle OracleFactory
	prompt    CredentialPrompt
	calls     *CallRegistry
	metrics   MetricsReporter
	logger    *slog.Logger

	state HandshakeState
}

// EngineOption configures optional Engine collaborators.
type EngineOption func(*Engine)

// WithPrompt attaches a credential prompt invoked when the gateway
// bundle is incomplete. Without one, incomplete credentials fail the
// handshake.
func WithPrompt(p CredentialPrompt) EngineOption {
	return func(e *Engine) {
		e.prompt = p
	}
}

// WithMetrics attaches a MetricsReporter. If mr is nil, the default
// no-op reporter is kept.
func WithMetrics(mr MetricsReporter) EngineOption {
	return func(e *Engine) {
		if mr != nil {
			e.metrics = mr
		}
	}
}

// WithLogger attaches a structured logger. The default discards.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates a bind engine for one session. The oracle factory
// is invoked only after credentials are resolved.
func NewEngine(cfg Config, in InChannel, out OutChannel, newOracle OracleFactory, opts ...EngineOption) *Engine {
	if cfg.MaxXmitFrag == 0 {
		cfg.MaxXmitFrag = DefaultMaxXmitFrag
	}
	if cfg.MaxRecvFrag == 0 {
		cfg.MaxRecvFrag = DefaultMaxRecvFrag
	}
	if cfg.RecvTimeout == 0 {
		cfg.RecvTimeout = defaultRecvTimeout
	}

	e := &Engine{
		cfg:       cfg,
		in:        in,
		out:       out,
		newOracle: newOracle,
		calls:     NewCallRegistry(),
		metrics:   noopMetrics{},
		logger:    slog.New(slog.DiscardHandler),
		state:     StateInit,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// State reports the engine's current handshake state.
func (e *Engine) State() HandshakeState {
	return e.state
}

// Calls exposes the session's call registry.
func (e *Engine) Calls() *CallRegistry {
	return e.calls
}

// setState transitions the handshake state with a debug trace.
func (e *Engine) setState(s HandshakeState) {
	e.logger.Debug("handshake state change",
		slog.String("from", e.state.String()),
		slog.String("to", s.String()),
	)
	e.state = s
}

// fail marks the session terminally failed, clears the call registry
// and classifies the outcome for metrics.
func (e *Engine) fail(err error) error {
	e.setState(StateFailed)
	e.calls.Clear()

	switch {
	case errors.Is(err, ErrCancelled):
		e.metrics.HandshakeDone("cancelled")
	case errors.Is(err, ErrTimeout):
		e.metrics.HandshakeDone("timeout")
	default:
		e.metrics.HandshakeDone("error")
	}

	if !errors.Is(err, ErrCancelled) {
		e.logger.Error("handshake failed", slog.String("error", err.Error()))
	}

	return err
}

// Run executes the handshake: credential resolution, secure bind,
// bind_ack, and (unless the oracle completes early) rpc_auth_3. It
// blocks on channel I/O and the credential prompt only. All failures
// are terminal for the session; the caller tears down the virtual
// connection.
func (e *Engine) Run(ctx context.Context) (NegotiatedParameters, error) {
	var params NegotiatedParameters

	gateway, session, err := e.resolveCredentials(ctx)
	if err != nil {
		return params, e.fail(err)
	}

	oracle, err := e.newOracle(gateway)
	if err != nil {
		return params, e.fail(fmt.Errorf("%w: %w", ErrAuthOracleInit, err))
	}

	if err := e.sendBind(ctx, oracle); err != nil {
		return params, e.fail(err)
	}

	ack, err := e.recvBindAck(ctx)
	if err != nil {
		return params, e.fail(err)
	}

	// The negotiated limits reflect the peer's perspective: what the
	// server transmits bounds what we receive, and vice versa.
	local := NegotiatedParameters{
		MaxXmitFrag:        ack.MaxRecvFrag,
		MaxRecvFrag:        ack.MaxXmitFrag,
		AssocGroupID:       ack.AssocGroupID,
		GatewayCredentials: gateway,
		SessionCredentials: session,
	}
	e.metrics.FragSizesNegotiated(local.MaxXmitFrag, local.MaxRecvFrag)

	status, err := oracle.AcceptToken(ack.AuthValue)
	if err != nil {
		return params, e.fail(fmt.Errorf("%w: accept server token: %w", ErrAuthOracleInit, err))
	}

	if status == TokenContinue {
		e.setState(StateAuth3Send)
		if err := e.sendAuth3(ctx, oracle, local); err != nil {
			return params, e.fail(err)
		}
	}

	e.setState(StateEstablished)
	e.metrics.HandshakeDone("established")
	e.logger.Info("secure bind established",
		slog.String("gateway", e.cfg.GatewayHost),
		slog.Int("max_xmit_frag", int(local.MaxXmitFrag)),
		slog.Int("max_recv_frag", int(local.MaxRecvFrag)),
		slog.Uint64("assoc_group", uint64(local.AssocGroupID)),
	)

	return local, nil
}

// resolveCredentials produces the gateway and session bundles from the
// settings snapshot, prompting when the gateway bundle is incomplete.
// The session bundle is a NEW value: shared configuration is never
// mutated.
func (e *Engine) resolveCredentials(ctx context.Context) (gateway, session Credentials, err error) {
	gateway = e.cfg.Gateway

	if gateway.NeedsPrompt() {
		if e.prompt == nil {
			return gateway, session, fmt.Errorf("%w: gateway credentials incomplete and no prompt available", ErrAuthOracleInit)
		}

		prompted, perr := e.prompt.PromptCredentials(ctx, e.cfg.GatewayHost)
		if perr != nil {
			if errors.Is(perr, ErrCancelled) {
				return gateway, session, fmt.Errorf("credential prompt: %w", ErrCancelled)
			}
			return gateway, session, fmt.Errorf("%w: credential prompt: %w", ErrAuthOracleInit, perr)
		}

		gateway = prompted
	}

	session = e.cfg.Session
	if e.cfg.UseSameCredentials {
		// All three fields move together; a partial copy would pair a
		// username with the wrong secret.
		session = gateway
	}

	return gateway, session, nil
}

// sendBind builds and transmits the secure bind carrying the oracle's
// first token, registering call-id 2 before the first byte reaches the
// channel.
func (e *Engine) sendBind(ctx context.Context, oracle AuthOracle) error {
	e.setState(StateBindSent)

	token, _, err := oracle.InitialToken()
	if err != nil {
		return fmt.Errorf("%w: initial token: %w", ErrAuthOracleInit, err)
	}

	pdu := &BindPDU{
		PFCFlags:     bindPFCFlags,
		CallID:       BindCallID,
		MaxXmitFrag:  e.cfg.MaxXmitFrag,
		MaxRecvFrag:  e.cfg.MaxRecvFrag,
		AssocGroupID: 0, // request a new association group
		Contexts: []PresentationContext{
			{ID: 0, Abstract: TSGU, Transfer: []SyntaxID{NDR}},
			{ID: 1, Abstract: TSGU, Transfer: []SyntaxID{BTFN}},
		},
		Auth: AuthVerifier{
			Type:      AuthnWinNT,
			Level:     AuthnLevelPktIntegrity,
			ContextID: 0,
			Value:     token,
		},
	}

	frame, err := EncodeBind(pdu)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPdu, err)
	}

	if _, err := e.calls.New(BindCallID, 0); err != nil {
		return err
	}

	if err := e.send(ctx, PTypeBind, frame); err != nil {
		return err
	}

	e.setState(StateAwaitingBindAck)

	return nil
}

// sendAuth3 builds and transmits the third authentication leg. The
// registry insertion is idempotent: the bind's call-id is reused.
func (e *Engine) sendAuth3(ctx context.Context, oracle AuthOracle, local NegotiatedParameters) error {
	token, _, err := oracle.NextToken()
	if err != nil {
		return fmt.Errorf("%w: next token: %w", ErrAuthOracleInit, err)
	}

	pdu := &Auth3PDU{
		PFCFlags:    auth3PFCFlags,
		CallID:      BindCallID,
		MaxXmitFrag: local.MaxXmitFrag,
		MaxRecvFrag: local.MaxRecvFrag,
		Auth: AuthVerifier{
			Type:      AuthnWinNT,
			Level:     AuthnLevelPktIntegrity,
			ContextID: 0,
			Value:     token,
		},
	}

	frame, err := EncodeAuth3(pdu)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPdu, err)
	}

	e.calls.Ensure(BindCallID, 0)

	return e.send(ctx, PTypeAuth3, frame)
}

// send hands a complete frame to the IN channel. Short writes are
// channel errors; the buffer is scoped to this call on every exit path.
func (e *Engine) send(ctx context.Context, ptype PType, frame []byte) error {
	n, err := e.in.Send(ctx, frame)
	if err != nil {
		return e.mapChannelErr(ctx, fmt.Errorf("send %s: %w", ptype, err))
	}
	if n != len(frame) {
		return fmt.Errorf("send %s: short write %d of %d: %w", ptype, n, len(frame), ErrChannelIO)
	}

	e.metrics.PduSent(ptype, len(frame))
	e.logger.Debug("pdu sent",
		slog.String("ptype", ptype.String()),
		slog.Int("bytes", len(frame)),
		slog.Uint64("call_id", uint64(BindCallID)),
	)

	return nil
}

// recvBindAck reassembles one PDU from the OUT channel under the
// receive deadline, decodes it as a bind_ack, and completes the bind
// call.
func (e *Engine) recvBindAck(ctx context.Context) (BindAck, error) {
	rctx, cancel := context.WithTimeout(ctx, e.cfg.RecvTimeout)
	defer cancel()

	frame, err := e.recvPDU(rctx)
	if err != nil {
		return BindAck{}, err
	}

	ack, err := DecodeBindAck(frame)
	if err != nil {
		return BindAck{}, err
	}

	if err := e.calls.Complete(BindCallID); err != nil {
		return BindAck{}, err
	}

	e.metrics.PduReceived(PTypeBindAck, len(frame))
	e.logger.Debug("pdu received",
		slog.String("ptype", PTypeBindAck.String()),
		slog.Int("bytes", len(frame)),
	)

	return ack, nil
}

// recvPDU reads the OUT channel until one full fragment is buffered:
// first through the 10 header bytes that end with frag_length, then
// through the declared fragment end.
func (e *Engine) recvPDU(ctx context.Context) ([]byte, error) {
	buf := make([]byte, 0, int(e.cfg.MaxRecvFrag))
	chunk := make([]byte, int(e.cfg.MaxRecvFrag))

	fragLen := -1
	for {
		if fragLen < 0 {
			if fl, ok := FragLength(buf); ok {
				if fl < CommonHeaderSize {
					return nil, fmt.Errorf("recv: frag_length %d below common header: %w", fl, ErrMalformedPdu)
				}
				fragLen = fl
			}
		}
		if fragLen >= 0 && len(buf) >= fragLen {
			return buf[:fragLen], nil
		}

		n, err := e.out.Recv(ctx, chunk)
		if err != nil {
			return nil, e.mapChannelErr(ctx, fmt.Errorf("recv: %w", err))
		}
		if n == 0 {
			return nil, fmt.Errorf("recv: connection closed mid-PDU: %w", ErrChannelIO)
		}
		buf = append(buf, chunk[:n]...)
	}
}

// mapChannelErr classifies a channel failure into the terminal error
// taxonomy: deadline expiry is a timeout, context cancellation is a
// user/host abort, anything else is channel I/O.
func (e *Engine) mapChannelErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, context.Canceled), errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	default:
		return fmt.Errorf("%w: %w", ErrChannelIO, err)
	}
}
