package rpce

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Protocol Constants — [C706] Section 12.6, [MS-RPCE] Section 2.2
// -------------------------------------------------------------------------

// RPCVersMajor is the connection-oriented RPC protocol major version
// ([C706] Section 12.6.3.1: rpc_vers MUST be 5).
const RPCVersMajor uint8 = 5

// RPCVersMinor is the connection-oriented RPC protocol minor version
// ([C706] Section 12.6.3.1: rpc_vers_minor 0 or 1; this client emits 0).
const RPCVersMinor uint8 = 0

// CommonHeaderSize is the fixed common PDU header size in bytes
// ([C706] Section 12.6.3.1: 16 bytes through call_id).
const CommonHeaderSize = 16

// BindPrefixSize is the fixed prefix of a bind PDU: common header plus
// max_xmit_frag, max_recv_frag and assoc_group_id
// ([C706] Section 12.6.4.3).
const BindPrefixSize = 24

// Auth3PrefixSize is the fixed prefix of an rpc_auth_3 PDU: common header
// plus the max_xmit_frag/max_recv_frag pair. No assoc_group_id, no
// presentation context list ([MS-RPCE] Section 2.2.2.10).
const Auth3PrefixSize = 20

// AuthTrailerSize is the fixed auth verifier header preceding the opaque
// auth_value ([C706] Section 13.2.6.1).
const AuthTrailerSize = 8

// MaxFragLength is the largest encodable fragment: frag_length is a u16.
const MaxFragLength = 0xFFFF

// bindContextsEnd is the byte offset reached after the two presentation
// context elements of a secure bind (28 + 2*44). The auth trailer is
// 4-byte aligned from here; with one transfer syntax per context the
// offset is already aligned and no pad bytes are inserted.
const bindContextsEnd = 116

// PType identifies the PDU type ([C706] Section 12.6.4.1).
type PType uint8

const (
	// PTypeBind is the bind PDU ([C706] Section 12.6.4.3).
	PTypeBind PType = 0x0B

	// PTypeBindAck is the bind_ack PDU ([C706] Section 12.6.4.4).
	PTypeBindAck PType = 0x0C

	// PTypeAuth3 is the rpc_auth_3 PDU carrying the third authentication
	// leg ([MS-RPCE] Section 2.2.2.10).
	PTypeAuth3 PType = 0x10
)

// String returns the PDU type mnemonic.
func (p PType) String() string {
	switch p {
	case PTypeBind:
		return "bind"
	case PTypeBindAck:
		return "bind_ack"
	case PTypeAuth3:
		return "rpc_auth_3"
	default:
		return fmt.Sprintf("ptype(0x%02X)", uint8(p))
	}
}

// PFC flag bits of the common header ([C706] Section 12.6.3.1,
// [MS-RPCE] Section 2.2.2.3 for header signing).
const (
	// PFCFirstFrag marks the first fragment of a request.
	PFCFirstFrag uint8 = 0x01

	// PFCLastFrag marks the last fragment of a request.
	PFCLastFrag uint8 = 0x02

	// PFCSupportHeaderSign advertises header-sign capability on bind
	// ([MS-RPCE] Section 3.3.1.5.2.2).
	PFCSupportHeaderSign uint8 = 0x04

	// PFCConcMPX requests concurrent multiplexing of the connection
	// ([C706] Section 12.6.3.1). Required on RPC over HTTP virtual
	// connections where IN and OUT channels are separate streams.
	PFCConcMPX uint8 = 0x10
)

// AuthnWinNT selects the NTLM security provider
// ([MS-RPCE] Section 2.2.1.1.7: RPC_C_AUTHN_WINNT).
const AuthnWinNT uint8 = 0x0A

// AuthnLevelPktIntegrity requests per-packet integrity protection
// ([MS-RPCE] Section 2.2.1.1.8: RPC_C_AUTHN_LEVEL_PKT_INTEGRITY).
const AuthnLevelPktIntegrity uint8 = 5

// ndrDrep is the data representation label: little-endian integers,
// ASCII characters, IEEE floating point ([C706] Section 14.1).
var ndrDrep = [4]byte{0x10, 0x00, 0x00, 0x00}

// -------------------------------------------------------------------------
// Interface UUIDs — [MS-TSGU] Section 1.9, [C706] Appendix A
// -------------------------------------------------------------------------

// UUID is the 4-part DCE UUID layout used in presentation context
// elements. time_low, time_mid and time_hi_and_version are encoded
// little-endian under NDR; clock_seq and node are transmitted as raw
// bytes in network order ([C706] Appendix A).
type UUID struct {
	TimeLow          uint32
	TimeMid          uint16
	TimeHiAndVersion uint16
	ClockSeq         uint16
	Node             [6]byte
}

// uuidSize is the encoded UUID length.
const uuidSize = 16

// syntaxIDSize is the encoded p_syntax_id_t length: UUID + if_version
// ([C706] Section 12.6.3.1).
const syntaxIDSize = 20

// String formats the UUID in the canonical 8-4-4-4-12 form.
func (u UUID) String() string {
	return fmt.Sprintf("%08X-%04X-%04X-%04X-%02X%02X%02X%02X%02X%02X",
		u.TimeLow, u.TimeMid, u.TimeHiAndVersion, u.ClockSeq,
		u.Node[0], u.Node[1], u.Node[2], u.Node[3], u.Node[4], u.Node[5])
}

// SyntaxID pairs an interface UUID with its 32-bit interface version
// (p_syntax_id_t, [C706] Section 12.6.3.1). The version packs major in
// the low word and minor in the high word.
type SyntaxID struct {
	UUID    UUID
	Version uint32
}

// Abstract and transfer syntax identifiers for the secure bind
// ([MS-TSGU] Section 1.9, [MS-RPCE] Section 2.2.2.14).
var (
	// TSGU is the Terminal Services Gateway abstract syntax,
	// interface version 1.3.
	TSGU = SyntaxID{
		UUID: UUID{
			TimeLow:          0x44E265DD,
			TimeMid:          0x7DAF,
			TimeHiAndVersion: 0x42CD,
			ClockSeq:         0x8560,
			Node:             [6]byte{0x3C, 0xDB, 0x6E, 0x7A, 0x27, 0x29},
		},
		Version: 0x00030001,
	}

	// NDR is the Network Data Representation transfer syntax, version 2
	// ([C706] Appendix A).
	NDR = SyntaxID{
		UUID: UUID{
			TimeLow:          0x8A885D04,
			TimeMid:          0x1CEB,
			TimeHiAndVersion: 0x11C9,
			ClockSeq:         0x9FE8,
			Node:             [6]byte{0x08, 0x00, 0x2B, 0x10, 0x48, 0x60},
		},
		Version: 0x00000002,
	}

	// BTFN is the bind-time feature negotiation pseudo transfer syntax
	// ([MS-RPCE] Section 2.2.2.14: the octets after the first eight
	// carry the feature bitmask; ClockSeq 0x0300 sets it to 0x03).
	BTFN = SyntaxID{
		UUID: UUID{
			TimeLow:          0x6CB71C2C,
			TimeMid:          0x9812,
			TimeHiAndVersion: 0x4540,
			ClockSeq:         0x0300,
			Node:             [6]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
		},
		Version: 0x00000001,
	}
)

// -------------------------------------------------------------------------
// PDU Structures
// -------------------------------------------------------------------------

// PresentationContext is a client-proposed pairing of an abstract syntax
// with one or more transfer syntaxes, identified by p_cont_id
// ([C706] Section 12.6.3.1: p_cont_elem_t).
type PresentationContext struct {
	// ID is the presentation context identifier (p_cont_id).
	ID uint16

	// Abstract is the interface the client wants to call.
	Abstract SyntaxID

	// Transfer lists the proposed encodings for the interface.
	Transfer []SyntaxID
}

// AuthVerifier is the trailing auth_verifier_co_t of an authenticated PDU
// ([C706] Section 13.2.6.1). PadLength records the alignment pad inserted
// BEFORE the trailer so receivers can recover the stub data boundary.
type AuthVerifier struct {
	// Type is the security provider (auth_type), e.g. AuthnWinNT.
	Type uint8

	// Level is the protection level (auth_level).
	Level uint8

	// PadLength is the number of alignment pad bytes preceding the
	// trailer. Filled in by the encoder.
	PadLength uint8

	// ContextID distinguishes security contexts multiplexed on one
	// connection (auth_context_id). The handshake uses 0.
	ContextID uint32

	// Value is the opaque security token produced by the oracle.
	Value []byte
}

// BindPDU is an outbound bind ([C706] Section 12.6.4.3) with the auth
// trailer of a secure bind ([MS-RPCE] Section 3.3.1.5.2).
type BindPDU struct {
	PFCFlags     uint8
	CallID       uint32
	MaxXmitFrag  uint16
	MaxRecvFrag  uint16
	AssocGroupID uint32
	Contexts     []PresentationContext
	Auth         AuthVerifier
}

// Auth3PDU is the third authentication leg ([MS-RPCE] Section 2.2.2.10).
// The 4-byte pad field after the common header mirrors the bind's
// max_xmit_frag/max_recv_frag pair and is ignored by the server.
type Auth3PDU struct {
	PFCFlags    uint8
	CallID      uint32
	MaxXmitFrag uint16
	MaxRecvFrag uint16
	Auth        AuthVerifier
}

// BindAck carries the fields of a bind_ack ([C706] Section 12.6.4.4)
// that the bind engine consumes: the server's fragment limits, the
// association group assigned by the server, and the security token from
// the trailing auth verifier.
type BindAck struct {
	MaxXmitFrag  uint16
	MaxRecvFrag  uint16
	AssocGroupID uint32
	AuthValue    []byte
}

// -------------------------------------------------------------------------
// Codec Errors
// -------------------------------------------------------------------------

var (
	// ErrFragTooLarge indicates an encoded PDU would exceed the u16
	// frag_length field.
	ErrFragTooLarge = errors.New("fragment exceeds 65535 bytes")

	// ErrTruncatedPdu indicates the buffer is shorter than the PDU's
	// declared frag_length.
	ErrTruncatedPdu = errors.New("buffer shorter than frag_length")

	// ErrBadAuthLength indicates auth_length does not fit inside the
	// declared fragment.
	ErrBadAuthLength = errors.New("auth_length exceeds fragment body")

	// ErrUnexpectedPType indicates the decoded PDU is not the expected type.
	ErrUnexpectedPType = errors.New("unexpected PDU type")

	// ErrBadRPCVersion indicates the rpc_vers field is not 5.
	ErrBadRPCVersion = errors.New("unsupported RPC version")
)

// -------------------------------------------------------------------------
// Sequential Byte Writer
// -------------------------------------------------------------------------

// writer builds a PDU as a sequential little-endian byte stream and
// tracks the current offset so alignment pads fall out of align() rather
// than a hand-maintained layout table.
type writer struct {
	buf []byte
}

func newWriter(capacity int) *writer {
	return &writer{buf: make([]byte, 0, capacity)}
}

func (w *writer) offset() int { return len(w.buf) }

func (w *writer) u8(v uint8) { w.buf = append(w.buf, v) }

func (w *writer) u16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *writer) u32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *writer) raw(p []byte) { w.buf = append(w.buf, p...) }

// align inserts zero bytes until the offset is a multiple of n and
// returns the number of pad bytes written.
func (w *writer) align(n int) int {
	pad := (n - len(w.buf)%n) % n
	for range pad {
		w.buf = append(w.buf, 0)
	}
	return pad
}

// uuid writes the 16-byte NDR encoding of a DCE UUID: the three leading
// fields little-endian, clock_seq and node as raw network-order bytes
// ([C706] Appendix A).
func (w *writer) uuid(u UUID) {
	w.u32(u.TimeLow)
	w.u16(u.TimeMid)
	w.u16(u.TimeHiAndVersion)
	w.u8(uint8(u.ClockSeq >> 8))
	w.u8(uint8(u.ClockSeq))
	w.raw(u.Node[:])
}

// syntax writes a p_syntax_id_t: UUID followed by if_version.
func (w *writer) syntax(s SyntaxID) {
	w.uuid(s.UUID)
	w.u32(s.Version)
}

// header writes the 16-byte common PDU header ([C706] Section 12.6.3.1).
func (w *writer) header(ptype PType, pfcFlags uint8, fragLen, authLen uint16, callID uint32) {
	w.u8(RPCVersMajor)
	w.u8(RPCVersMinor)
	w.u8(uint8(ptype))
	w.u8(pfcFlags)
	w.raw(ndrDrep[:])
	w.u16(fragLen)
	w.u16(authLen)
	w.u32(callID)
}

// trailer writes the auth verifier header and opaque token
// ([C706] Section 13.2.6.1).
func (w *writer) trailer(a *AuthVerifier) {
	w.u8(a.Type)
	w.u8(a.Level)
	w.u8(a.PadLength)
	w.u8(0) // auth_reserved
	w.u32(a.ContextID)
	w.raw(a.Value)
}

// -------------------------------------------------------------------------
// EncodeBind — [C706] Section 12.6.4.3, [MS-RPCE] Section 3.3.1.5.2
// -------------------------------------------------------------------------

// EncodeBind serializes a secure bind PDU. The returned buffer's length
// equals the frag_length written in the header, and auth_length equals
// len(pdu.Auth.Value). Alignment pad bytes between the last presentation
// context and the auth trailer are zero; pdu.Auth.PadLength is updated
// to the pad actually inserted.
func EncodeBind(pdu *BindPDU) ([]byte, error) {
	bodyEnd := BindPrefixSize + 4
	for _, pc := range pdu.Contexts {
		bodyEnd += 4 + syntaxIDSize + len(pc.Transfer)*syntaxIDSize
	}

	pad := (4 - bodyEnd%4) % 4
	fragLen := bodyEnd + pad + AuthTrailerSize + len(pdu.Auth.Value)
	if fragLen > MaxFragLength {
		return nil, fmt.Errorf("encode bind: frag_length %d: %w", fragLen, ErrFragTooLarge)
	}

	w := newWriter(fragLen)
	w.header(PTypeBind, pdu.PFCFlags, uint16(fragLen), uint16(len(pdu.Auth.Value)), pdu.CallID)
	w.u16(pdu.MaxXmitFrag)
	w.u16(pdu.MaxRecvFrag)
	w.u32(pdu.AssocGroupID)

	// Presentation context list ([C706] Section 12.6.3.1: p_cont_list_t).
	w.u8(uint8(len(pdu.Contexts))) // n_context_elem
	w.u8(0)                        // reserved
	w.u16(0)                       // reserved2
	for _, pc := range pdu.Contexts {
		w.u16(pc.ID)
		w.u8(uint8(len(pc.Transfer))) // n_transfer_syn
		w.u8(0)                       // reserved
		w.syntax(pc.Abstract)
		for _, ts := range pc.Transfer {
			w.syntax(ts)
		}
	}

	pdu.Auth.PadLength = uint8(w.align(4))
	w.trailer(&pdu.Auth)

	return w.buf, nil
}

// -------------------------------------------------------------------------
// EncodeAuth3 — [MS-RPCE] Section 2.2.2.10
// -------------------------------------------------------------------------

// EncodeAuth3 serializes an rpc_auth_3 PDU. Layout: 20-byte fixed prefix,
// 4-byte-aligned pad (zero at offset 20), then the auth verifier.
func EncodeAuth3(pdu *Auth3PDU) ([]byte, error) {
	pad := (4 - Auth3PrefixSize%4) % 4
	fragLen := Auth3PrefixSize + pad + AuthTrailerSize + len(pdu.Auth.Value)
	if fragLen > MaxFragLength {
		return nil, fmt.Errorf("encode rpc_auth_3: frag_length %d: %w", fragLen, ErrFragTooLarge)
	}

	w := newWriter(fragLen)
	w.header(PTypeAuth3, pdu.PFCFlags, uint16(fragLen), uint16(len(pdu.Auth.Value)), pdu.CallID)
	w.u16(pdu.MaxXmitFrag)
	w.u16(pdu.MaxRecvFrag)

	pdu.Auth.PadLength = uint8(w.align(4))
	w.trailer(&pdu.Auth)

	return w.buf, nil
}

// -------------------------------------------------------------------------
// DecodeBindAck — [C706] Section 12.6.4.4
// -------------------------------------------------------------------------

// DecodeBindAck extracts the negotiated fragment sizes, the association
// group id and the trailing auth token from a bind_ack. The secondary
// address and the presentation result list between the fixed prefix and
// the auth trailer are variable-length and are not needed by the bind
// engine, so they are skipped: auth_value occupies the final auth_length
// bytes of the fragment.
//
// The returned AuthValue is a copy and remains valid after the receive
// buffer is reused.
func DecodeBindAck(buf []byte) (BindAck, error) {
	var ack BindAck

	if len(buf) < BindPrefixSize {
		return ack, fmt.Errorf("decode bind_ack: %d bytes: %w", len(buf), ErrMalformedPdu)
	}
	if buf[0] != RPCVersMajor {
		return ack, fmt.Errorf("decode bind_ack: rpc_vers %d: %w: %w",
			buf[0], ErrBadRPCVersion, ErrMalformedPdu)
	}
	if PType(buf[2]) != PTypeBindAck {
		return ack, fmt.Errorf("decode bind_ack: got %s: %w: %w",
			PType(buf[2]), ErrUnexpectedPType, ErrMalformedPdu)
	}

	fragLen := int(binary.LittleEndian.Uint16(buf[8:10]))
	authLen := int(binary.LittleEndian.Uint16(buf[10:12]))

	if fragLen < BindPrefixSize {
		return ack, fmt.Errorf("decode bind_ack: frag_length %d below fixed prefix %d: %w",
			fragLen, BindPrefixSize, ErrMalformedPdu)
	}
	if fragLen > len(buf) {
		return ack, fmt.Errorf("decode bind_ack: frag_length %d, buffer %d: %w: %w",
			fragLen, len(buf), ErrTruncatedPdu, ErrMalformedPdu)
	}
	if authLen > fragLen-BindPrefixSize {
		return ack, fmt.Errorf("decode bind_ack: auth_length %d, body %d: %w: %w",
			authLen, fragLen-BindPrefixSize, ErrBadAuthLength, ErrMalformedPdu)
	}

	ack.MaxXmitFrag = binary.LittleEndian.Uint16(buf[16:18])
	ack.MaxRecvFrag = binary.LittleEndian.Uint16(buf[18:20])
	ack.AssocGroupID = binary.LittleEndian.Uint32(buf[20:24])

	if authLen > 0 {
		ack.AuthValue = make([]byte, authLen)
		copy(ack.AuthValue, buf[fragLen-authLen:fragLen])
	}

	return ack, nil
}

// FragLength reads the frag_length field from a partially received PDU.
// The buffer must contain at least the 10 bytes through frag_length.
func FragLength(buf []byte) (int, bool) {
	if len(buf) < 10 {
		return 0, false
	}
	return int(binary.LittleEndian.Uint16(buf[8:10])), true
}
