package rpce_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/dantte-lp/gotsgw/internal/rpce"
)

// testBind returns a canonical secure bind PDU with the given token.
func testBind(token []byte) *rpce.BindPDU {
	return &rpce.BindPDU{
		PFCFlags:    rpce.PFCFirstFrag | rpce.PFCLastFrag | rpce.PFCSupportHeaderSign | rpce.PFCConcMPX,
		CallID:      rpce.BindCallID,
		MaxXmitFrag: rpce.DefaultMaxXmitFrag,
		MaxRecvFrag: rpce.DefaultMaxRecvFrag,
		Contexts: []rpce.PresentationContext{
			{ID: 0, Abstract: rpce.TSGU, Transfer: []rpce.SyntaxID{rpce.NDR}},
			{ID: 1, Abstract: rpce.TSGU, Transfer: []rpce.SyntaxID{rpce.BTFN}},
		},
		Auth: rpce.AuthVerifier{
			Type:      rpce.AuthnWinNT,
			Level:     rpce.AuthnLevelPktIntegrity,
			ContextID: 0,
			Value:     token,
		},
	}
}

// syntaxBytes returns the 20-byte NDR encoding of a p_syntax_id_t.
func syntaxBytes(s rpce.SyntaxID) []byte {
	buf := make([]byte, 0, 20)
	buf = binary.LittleEndian.AppendUint32(buf, s.UUID.TimeLow)
	buf = binary.LittleEndian.AppendUint16(buf, s.UUID.TimeMid)
	buf = binary.LittleEndian.AppendUint16(buf, s.UUID.TimeHiAndVersion)
	buf = append(buf, byte(s.UUID.ClockSeq>>8), byte(s.UUID.ClockSeq))
	buf = append(buf, s.UUID.Node[:]...)
	return binary.LittleEndian.AppendUint32(buf, s.Version)
}

func TestEncodeBindLayout(t *testing.T) {
	t.Parallel()

	token := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	pdu := testBind(token)

	frame, err := rpce.EncodeBind(pdu)
	if err != nil {
		t.Fatalf("EncodeBind() error: %v", err)
	}

	// frag_length equals the buffer length and the fixed arithmetic:
	// 116 + pad + 8 + auth_length with pad 0 for two single-syntax contexts.
	fragLen := binary.LittleEndian.Uint16(frame[8:10])
	if int(fragLen) != len(frame) {
		t.Errorf("frag_length = %d, buffer length %d", fragLen, len(frame))
	}
	want := 116 + int(pdu.Auth.PadLength) + 8 + len(token)
	if int(fragLen) != want {
		t.Errorf("frag_length = %d, want %d", fragLen, want)
	}
	if pdu.Auth.PadLength != 0 {
		t.Errorf("auth pad = %d, want 0 at offset 116", pdu.Auth.PadLength)
	}
	if len(token)%4 == 0 && fragLen%4 != 0 {
		t.Errorf("frag_length %d not 4-byte aligned", fragLen)
	}

	// Common header.
	if frame[0] != 5 || frame[1] != 0 {
		t.Errorf("rpc_vers = %d.%d, want 5.0", frame[0], frame[1])
	}
	if frame[2] != 0x0B {
		t.Errorf("ptype = 0x%02X, want 0x0B", frame[2])
	}
	if frame[3] != 0x17 {
		t.Errorf("pfc_flags = 0x%02X, want 0x17", frame[3])
	}
	if !bytes.Equal(frame[4:8], []byte{0x10, 0x00, 0x00, 0x00}) {
		t.Errorf("packed_drep = % X", frame[4:8])
	}
	if authLen := binary.LittleEndian.Uint16(frame[10:12]); int(authLen) != len(token) {
		t.Errorf("auth_length = %d, want %d", authLen, len(token))
	}
	if callID := binary.LittleEndian.Uint32(frame[12:16]); callID != 2 {
		t.Errorf("call_id = %d, want 2", callID)
	}

	// Fixed bind prefix.
	if v := binary.LittleEndian.Uint16(frame[16:18]); v != rpce.DefaultMaxXmitFrag {
		t.Errorf("max_xmit_frag = %d", v)
	}
	if v := binary.LittleEndian.Uint16(frame[18:20]); v != rpce.DefaultMaxRecvFrag {
		t.Errorf("max_recv_frag = %d", v)
	}
	if v := binary.LittleEndian.Uint32(frame[20:24]); v != 0 {
		t.Errorf("assoc_group_id = %d, want 0", v)
	}

	// Context list head.
	if frame[24] != 2 {
		t.Errorf("n_context_elem = %d, want 2", frame[24])
	}

	// Trailing auth verifier.
	trailer := frame[116:]
	if trailer[0] != rpce.AuthnWinNT {
		t.Errorf("auth_type = 0x%02X", trailer[0])
	}
	if trailer[1] != rpce.AuthnLevelPktIntegrity {
		t.Errorf("auth_level = %d", trailer[1])
	}
	if trailer[2] != 0 {
		t.Errorf("auth_pad_length = %d", trailer[2])
	}
	if !bytes.Equal(trailer[8:], token) {
		t.Errorf("auth_value = % X, want % X", trailer[8:], token)
	}
}

func TestEncodeBindPresentationContexts(t *testing.T) {
	t.Parallel()

	frame, err := rpce.EncodeBind(testBind([]byte{0x01}))
	if err != nil {
		t.Fatalf("EncodeBind() error: %v", err)
	}

	// Context 0 occupies bytes 28..72: head + TSGU + NDR.
	if id := binary.LittleEndian.Uint16(frame[28:30]); id != 0 {
		t.Errorf("context 0 p_cont_id = %d", id)
	}
	if frame[30] != 1 {
		t.Errorf("context 0 n_transfer_syn = %d, want 1", frame[30])
	}
	if !bytes.Equal(frame[32:52], syntaxBytes(rpce.TSGU)) {
		t.Errorf("context 0 abstract syntax mismatch:\n got  % X\n want % X",
			frame[32:52], syntaxBytes(rpce.TSGU))
	}
	if !bytes.Equal(frame[52:72], syntaxBytes(rpce.NDR)) {
		t.Errorf("context 0 transfer syntax != NDR:\n got  % X\n want % X",
			frame[52:72], syntaxBytes(rpce.NDR))
	}

	// Context 1 occupies bytes 72..116: head + TSGU + BTFN.
	if id := binary.LittleEndian.Uint16(frame[72:74]); id != 1 {
		t.Errorf("context 1 p_cont_id = %d", id)
	}
	if !bytes.Equal(frame[76:96], syntaxBytes(rpce.TSGU)) {
		t.Errorf("context 1 abstract syntax mismatch")
	}
	if !bytes.Equal(frame[96:116], syntaxBytes(rpce.BTFN)) {
		t.Errorf("context 1 transfer syntax != BTFN:\n got  % X\n want % X",
			frame[96:116], syntaxBytes(rpce.BTFN))
	}
}

// TestNDRWireBytes pins the NDR transfer syntax encoding against the
// bytes every DCE/RPC implementation puts on the wire.
func TestNDRWireBytes(t *testing.T) {
	t.Parallel()

	want := []byte{
		0x04, 0x5D, 0x88, 0x8A, 0xEB, 0x1C, 0xC9, 0x11,
		0x9F, 0xE8, 0x08, 0x00, 0x2B, 0x10, 0x48, 0x60,
		0x02, 0x00, 0x00, 0x00,
	}
	if got := syntaxBytes(rpce.NDR); !bytes.Equal(got, want) {
		t.Errorf("NDR encoding:\n got  % X\n want % X", got, want)
	}
}

func TestEncodeBindZeroLengthToken(t *testing.T) {
	t.Parallel()

	pdu := testBind(nil)
	frame, err := rpce.EncodeBind(pdu)
	if err != nil {
		t.Fatalf("EncodeBind() error: %v", err)
	}
	if len(frame) != 124 {
		t.Errorf("frame length = %d, want 124 (116+0+8+0)", len(frame))
	}
	if authLen := binary.LittleEndian.Uint16(frame[10:12]); authLen != 0 {
		t.Errorf("auth_length = %d, want 0", authLen)
	}
}

func TestEncodeBindFragOverflow(t *testing.T) {
	t.Parallel()

	pdu := testBind(make([]byte, 0xFFFF))
	if _, err := rpce.EncodeBind(pdu); !errors.Is(err, rpce.ErrFragTooLarge) {
		t.Errorf("EncodeBind(64KiB token) error = %v, want ErrFragTooLarge", err)
	}
}

func TestEncodeAuth3Layout(t *testing.T) {
	t.Parallel()

	token := []byte{0xEE, 0xFF}
	pdu := &rpce.Auth3PDU{
		PFCFlags:    rpce.PFCFirstFrag | rpce.PFCLastFrag | rpce.PFCConcMPX,
		CallID:      rpce.BindCallID,
		MaxXmitFrag: 4088,
		MaxRecvFrag: 4088,
		Auth: rpce.AuthVerifier{
			Type:      rpce.AuthnWinNT,
			Level:     rpce.AuthnLevelPktIntegrity,
			ContextID: 0,
			Value:     token,
		},
	}

	frame, err := rpce.EncodeAuth3(pdu)
	if err != nil {
		t.Fatalf("EncodeAuth3() error: %v", err)
	}

	fragLen := binary.LittleEndian.Uint16(frame[8:10])
	if int(fragLen) != len(frame) {
		t.Errorf("frag_length = %d, buffer length %d", fragLen, len(frame))
	}
	want := 20 + int(pdu.Auth.PadLength) + 8 + len(token)
	if int(fragLen) != want {
		t.Errorf("frag_length = %d, want %d", fragLen, want)
	}
	if pdu.Auth.PadLength != 0 {
		t.Errorf("auth pad = %d, want 0 at offset 20", pdu.Auth.PadLength)
	}

	if frame[2] != 0x10 {
		t.Errorf("ptype = 0x%02X, want 0x10", frame[2])
	}
	if frame[3] != 0x13 {
		t.Errorf("pfc_flags = 0x%02X, want 0x13", frame[3])
	}
	if callID := binary.LittleEndian.Uint32(frame[12:16]); callID != 2 {
		t.Errorf("call_id = %d, want 2", callID)
	}
	if !bytes.Equal(frame[28:], token) {
		t.Errorf("auth_value = % X, want % X", frame[28:], token)
	}
}

// -------------------------------------------------------------------------
// bind_ack decoding
// -------------------------------------------------------------------------

// ackParams describes a synthetic bind_ack for round-trip tests.
type ackParams struct {
	maxXmit   uint16
	maxRecv   uint16
	assoc     uint32
	secAddr   string
	authValue []byte
}

// encodeBindAck builds a complete synthetic bind_ack frame: fixed
// prefix, secondary address, aligned result list for two contexts, and
// the trailing auth verifier.
func encodeBindAck(p ackParams) []byte {
	body := make([]byte, 0, 128)

	// Secondary address: u16 length including NUL, then the string.
	body = binary.LittleEndian.AppendUint16(body, uint16(len(p.secAddr)+1))
	body = append(body, p.secAddr...)
	body = append(body, 0)
	for (24+len(body))%4 != 0 {
		body = append(body, 0)
	}

	// Result list: two accepted contexts, NDR echoed as the chosen
	// transfer syntax.
	body = append(body, 2, 0, 0, 0)
	for range 2 {
		body = binary.LittleEndian.AppendUint16(body, 0) // acceptance
		body = binary.LittleEndian.AppendUint16(body, 0) // reason
		body = append(body, syntaxBytes(rpce.NDR)...)
	}
	for (24+len(body))%4 != 0 {
		body = append(body, 0)
	}

	fragLen := 24 + len(body) + 8 + len(p.authValue)

	frame := make([]byte, 0, fragLen)
	frame = append(frame, 5, 0, 0x0C, 0x03)
	frame = append(frame, 0x10, 0x00, 0x00, 0x00)
	frame = binary.LittleEndian.AppendUint16(frame, uint16(fragLen))
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(p.authValue)))
	frame = binary.LittleEndian.AppendUint32(frame, 2)
	frame = binary.LittleEndian.AppendUint16(frame, p.maxXmit)
	frame = binary.LittleEndian.AppendUint16(frame, p.maxRecv)
	frame = binary.LittleEndian.AppendUint32(frame, p.assoc)
	frame = append(frame, body...)
	frame = append(frame, rpce.AuthnWinNT, rpce.AuthnLevelPktIntegrity, 0, 0)
	frame = binary.LittleEndian.AppendUint32(frame, 0)
	frame = append(frame, p.authValue...)

	return frame
}

func TestDecodeBindAckRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		p    ackParams
	}{
		{
			name: "typical",
			p: ackParams{
				maxXmit: 4088, maxRecv: 4088, assoc: 0x12345678,
				secAddr: "135", authValue: []byte{0xCC, 0xDD},
			},
		},
		{
			name: "zero length auth value",
			p: ackParams{
				maxXmit: 5840, maxRecv: 5840, assoc: 1,
				secAddr: "3388", authValue: nil,
			},
		},
		{
			name: "large token",
			p: ackParams{
				maxXmit: 1024, maxRecv: 2048, assoc: 0xFFFFFFFF,
				secAddr: "", authValue: bytes.Repeat([]byte{0x5A}, 501),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ack, err := rpce.DecodeBindAck(encodeBindAck(tt.p))
			if err != nil {
				t.Fatalf("DecodeBindAck() error: %v", err)
			}
			if ack.MaxXmitFrag != tt.p.maxXmit {
				t.Errorf("MaxXmitFrag = %d, want %d", ack.MaxXmitFrag, tt.p.maxXmit)
			}
			if ack.MaxRecvFrag != tt.p.maxRecv {
				t.Errorf("MaxRecvFrag = %d, want %d", ack.MaxRecvFrag, tt.p.maxRecv)
			}
			if ack.AssocGroupID != tt.p.assoc {
				t.Errorf("AssocGroupID = %d, want %d", ack.AssocGroupID, tt.p.assoc)
			}
			if !bytes.Equal(ack.AuthValue, tt.p.authValue) {
				t.Errorf("AuthValue = % X, want % X", ack.AuthValue, tt.p.authValue)
			}
		})
	}
}

func TestDecodeBindAckMalformed(t *testing.T) {
	t.Parallel()

	good := encodeBindAck(ackParams{
		maxXmit: 4088, maxRecv: 4088, secAddr: "135", authValue: []byte{1, 2},
	})

	shortFrag := append([]byte(nil), good...)
	binary.LittleEndian.PutUint16(shortFrag[8:10], 10)

	overFrag := append([]byte(nil), good...)
	binary.LittleEndian.PutUint16(overFrag[8:10], uint16(len(good)+4))

	badAuth := append([]byte(nil), good...)
	binary.LittleEndian.PutUint16(badAuth[10:12], uint16(len(good)))

	wrongType := append([]byte(nil), good...)
	wrongType[2] = 0x0B

	badVers := append([]byte(nil), good...)
	badVers[0] = 4

	tests := []struct {
		name string
		buf  []byte
	}{
		{"truncated buffer", good[:12]},
		{"frag_length below common header", shortFrag},
		{"frag_length beyond buffer", overFrag},
		{"auth_length exceeds body", badAuth},
		{"wrong ptype", wrongType},
		{"wrong rpc version", badVers},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := rpce.DecodeBindAck(tt.buf); !errors.Is(err, rpce.ErrMalformedPdu) {
				t.Errorf("DecodeBindAck() error = %v, want ErrMalformedPdu", err)
			}
		})
	}
}

func TestDecodeBindAckCopiesAuthValue(t *testing.T) {
	t.Parallel()

	frame := encodeBindAck(ackParams{
		maxXmit: 4088, maxRecv: 4088, authValue: []byte{0xAB, 0xCD},
	})

	ack, err := rpce.DecodeBindAck(frame)
	if err != nil {
		t.Fatalf("DecodeBindAck() error: %v", err)
	}

	frame[len(frame)-1] = 0x00
	frame[len(frame)-2] = 0x00

	if !bytes.Equal(ack.AuthValue, []byte{0xAB, 0xCD}) {
		t.Errorf("AuthValue aliased the receive buffer: % X", ack.AuthValue)
	}
}

func TestUUIDString(t *testing.T) {
	t.Parallel()

	if got := rpce.TSGU.UUID.String(); got != "44E265DD-7DAF-42CD-8560-3CDB6E7A2729" {
		t.Errorf("TSGU.String() = %q", got)
	}
	if got := rpce.BTFN.UUID.String(); got != "6CB71C2C-9812-4540-0300-000000000000" {
		t.Errorf("BTFN.String() = %q", got)
	}
}
