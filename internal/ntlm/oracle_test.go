package ntlm_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/dantte-lp/gotsgw/internal/ntlm"
	"github.com/dantte-lp/gotsgw/internal/rpce"
)

// ntlmSignature prefixes every NTLMSSP message ([MS-NLMP] Section 2.2).
var ntlmSignature = []byte("NTLMSSP\x00")

// messageType reads the MessageType field at offset 8.
func messageType(msg []byte) uint32 {
	return binary.LittleEndian.Uint32(msg[8:12])
}

// syntheticChallenge builds a minimal valid CHALLENGE message: header
// fields only, no target name, no target info, unicode flag set.
func syntheticChallenge() []byte {
	buf := make([]byte, 0, 48)
	buf = append(buf, ntlmSignature...)
	buf = binary.LittleEndian.AppendUint32(buf, 2) // CHALLENGE
	// TargetName: len, maxlen, offset past the fixed fields.
	buf = binary.LittleEndian.AppendUint16(buf, 0)
	buf = binary.LittleEndian.AppendUint16(buf, 0)
	buf = binary.LittleEndian.AppendUint32(buf, 48)
	// NegotiateFlags: NTLMSSP_NEGOTIATE_UNICODE.
	buf = binary.LittleEndian.AppendUint32(buf, 0x00000001)
	// ServerChallenge + Reserved.
	buf = append(buf, 0x01, 0x23, 0x45, 0x67, 0x89, 0xAB, 0xCD, 0xEF)
	buf = append(buf, make([]byte, 8)...)
	// TargetInformation: empty.
	buf = binary.LittleEndian.AppendUint16(buf, 0)
	buf = binary.LittleEndian.AppendUint16(buf, 0)
	buf = binary.LittleEndian.AppendUint32(buf, 48)

	return buf
}

func testCreds() rpce.Credentials {
	return rpce.Credentials{Username: "user", Domain: "CORP", Password: "hunter2"}
}

func TestOracleThreeLegSequence(t *testing.T) {
	t.Parallel()

	oracle, err := ntlm.NewOracle(testCreds())
	if err != nil {
		t.Fatalf("NewOracle() error: %v", err)
	}

	negotiate, status, err := oracle.InitialToken()
	if err != nil {
		t.Fatalf("InitialToken() error: %v", err)
	}
	if status != rpce.TokenContinue {
		t.Errorf("InitialToken() status = %s, want Continue", status)
	}
	if !bytes.HasPrefix(negotiate, ntlmSignature) {
		t.Errorf("NEGOTIATE prefix = % X", negotiate[:8])
	}
	if messageType(negotiate) != 1 {
		t.Errorf("NEGOTIATE message type = %d, want 1", messageType(negotiate))
	}

	status, err = oracle.AcceptToken(syntheticChallenge())
	if err != nil {
		t.Fatalf("AcceptToken() error: %v", err)
	}
	if status != rpce.TokenContinue {
		t.Errorf("AcceptToken() status = %s, want Continue", status)
	}

	authenticate, status, err := oracle.NextToken()
	if err != nil {
		t.Fatalf("NextToken() error: %v", err)
	}
	if status != rpce.TokenComplete {
		t.Errorf("NextToken() status = %s, want Complete", status)
	}
	if !bytes.HasPrefix(authenticate, ntlmSignature) {
		t.Errorf("AUTHENTICATE prefix = % X", authenticate[:8])
	}
	if messageType(authenticate) != 3 {
		t.Errorf("AUTHENTICATE message type = %d, want 3", messageType(authenticate))
	}
}

func TestOracleRejectsEmptyUsername(t *testing.T) {
	t.Parallel()

	_, err := ntlm.NewOracle(rpce.Credentials{Password: "p"})
	if !errors.Is(err, ntlm.ErrNoUsername) {
		t.Errorf("NewOracle() error = %v, want ErrNoUsername", err)
	}
}

func TestOracleRejectsEmptyChallenge(t *testing.T) {
	t.Parallel()

	oracle, err := ntlm.NewOracle(testCreds())
	if err != nil {
		t.Fatalf("NewOracle() error: %v", err)
	}
	if _, _, err := oracle.InitialToken(); err != nil {
		t.Fatalf("InitialToken() error: %v", err)
	}

	if _, err := oracle.AcceptToken(nil); !errors.Is(err, ntlm.ErrEmptyChallenge) {
		t.Errorf("AcceptToken(nil) error = %v, want ErrEmptyChallenge", err)
	}
}

func TestOracleOutOfOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		drive func(o rpce.AuthOracle) error
	}{
		{
			name: "accept before initial",
			drive: func(o rpce.AuthOracle) error {
				_, err := o.AcceptToken(syntheticChallenge())
				return err
			},
		},
		{
			name: "next before accept",
			drive: func(o rpce.AuthOracle) error {
				if _, _, err := o.InitialToken(); err != nil {
					return err
				}
				_, _, err := o.NextToken()
				return err
			},
		},
		{
			name: "initial twice",
			drive: func(o rpce.AuthOracle) error {
				if _, _, err := o.InitialToken(); err != nil {
					return err
				}
				_, _, err := o.InitialToken()
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			oracle, err := ntlm.NewOracle(testCreds())
			if err != nil {
				t.Fatalf("NewOracle() error: %v", err)
			}
			if err := tt.drive(oracle); !errors.Is(err, ntlm.ErrOutOfOrder) {
				t.Errorf("error = %v, want ErrOutOfOrder", err)
			}
		})
	}
}

func TestOracleChallengeCopied(t *testing.T) {
	t.Parallel()

	oracle, err := ntlm.NewOracle(testCreds())
	if err != nil {
		t.Fatalf("NewOracle() error: %v", err)
	}
	if _, _, err := oracle.InitialToken(); err != nil {
		t.Fatalf("InitialToken() error: %v", err)
	}

	challenge := syntheticChallenge()
	if _, err := oracle.AcceptToken(challenge); err != nil {
		t.Fatalf("AcceptToken() error: %v", err)
	}

	// Corrupt the caller's buffer; the oracle must not see it.
	for i := range challenge {
		challenge[i] = 0xFF
	}

	if _, _, err := oracle.NextToken(); err != nil {
		t.Errorf("NextToken() after caller buffer reuse: %v", err)
	}
}

func TestOracleDomainEmbeddedInUsername(t *testing.T) {
	t.Parallel()

	oracle, err := ntlm.NewOracle(rpce.Credentials{Username: `CORP\user`, Password: "p"})
	if err != nil {
		t.Fatalf("NewOracle() error: %v", err)
	}

	if _, _, err := oracle.InitialToken(); err != nil {
		t.Fatalf("InitialToken() error: %v", err)
	}
	if _, err := oracle.AcceptToken(syntheticChallenge()); err != nil {
		t.Fatalf("AcceptToken() error: %v", err)
	}
	if _, _, err := oracle.NextToken(); err != nil {
		t.Errorf("NextToken() error: %v", err)
	}
}
