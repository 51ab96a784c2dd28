// Package ntlm adapts the NTLMSSP provider to the bind core's
// authentication oracle contract. The three legs map onto the NTLM
// message sequence ([MS-NLMP] Section 3.1.5): NEGOTIATE out, CHALLENGE
// in, AUTHENTICATE out.
package ntlm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Azure/go-ntlmssp"

	"github.com/dantte-lp/gotsgw/internal/rpce"
)

// phase tracks the oracle's position in the message sequence.
type phase uint8

const (
	phaseNegotiate phase = iota
	phaseChallenge
	phaseAuthenticate
	phaseDone
)

// Sentinel errors for oracle misuse and protocol failures.
var (
	// ErrOutOfOrder indicates the legs were driven out of sequence.
	ErrOutOfOrder = errors.New("ntlm message sequence violation")

	// ErrEmptyChallenge indicates the server sent no CHALLENGE token.
	ErrEmptyChallenge = errors.New("empty server challenge")

	// ErrNoUsername indicates an empty username reached the oracle.
	ErrNoUsername = errors.New("username is empty")
)

// Oracle is a stateful three-leg NTLM token producer/consumer. It is
// owned by the session that created it and is not safe for concurrent
// use; the handshake drives it strictly sequentially.
type Oracle struct {
	user     string
	domain   string
	password string

	phase     phase
	challenge []byte
}

// splitDomain separates a DOMAIN\user principal into user and domain.
// A user@domain UPN is not split: it is returned whole as the username
// with an empty domain, as the provider expects.
func splitDomain(username string) (user, domain string) {
	if d, u, ok := strings.Cut(username, `\`); ok {
		return u, d
	}
	return username, ""
}

// NewOracle builds an oracle for the given credential bundle. The
// username may carry the domain in DOMAIN\user form; an explicit
// Domain field takes precedence. Matches rpce.OracleFactory.
func NewOracle(creds rpce.Credentials) (rpce.AuthOracle, error) {
	if creds.Username == "" {
		return nil, fmt.Errorf("ntlm oracle: %w", ErrNoUsername)
	}

	user, domain := splitDomain(creds.Username)
	if creds.Domain != "" {
		domain = creds.Domain
	}

	return &Oracle{
		user:     user,
		domain:   domain,
		password: creds.Password,
	}, nil
}

// InitialToken produces the NEGOTIATE message.
func (o *Oracle) InitialToken() ([]byte, rpce.TokenStatus, error) {
	if o.phase != phaseNegotiate {
		return nil, 0, fmt.Errorf("initial token in phase %d: %w", o.phase, ErrOutOfOrder)
	}

	negotiate, err := ntlmssp.NewNegotiateMessage(o.domain, "")
	if err != nil {
		return nil, 0, fmt.Errorf("build NEGOTIATE: %w", err)
	}

	o.phase = phaseChallenge

	return negotiate, rpce.TokenContinue, nil
}

// AcceptToken consumes the server's CHALLENGE message. The exchange
// always continues: NTLM requires the AUTHENTICATE leg.
func (o *Oracle) AcceptToken(token []byte) (rpce.TokenStatus, error) {
	if o.phase != phaseChallenge {
		return 0, fmt.Errorf("accept token in phase %d: %w", o.phase, ErrOutOfOrder)
	}
	if len(token) == 0 {
		return 0, fmt.Errorf("accept token: %w", ErrEmptyChallenge)
	}

	o.challenge = make([]byte, len(token))
	copy(o.challenge, token)
	o.phase = phaseAuthenticate

	return rpce.TokenContinue, nil
}

// NextToken produces the AUTHENTICATE message from the stored
// CHALLENGE and completes the exchange.
func (o *Oracle) NextToken() ([]byte, rpce.TokenStatus, error) {
	if o.phase != phaseAuthenticate {
		return nil, 0, fmt.Errorf("next token in phase %d: %w", o.phase, ErrOutOfOrder)
	}

	authenticate, err := ntlmssp.ProcessChallenge(o.challenge, o.user, o.password)
	if err != nil {
		return nil, 0, fmt.Errorf("build AUTHENTICATE: %w", err)
	}

	o.phase = phaseDone

	return authenticate, rpce.TokenComplete, nil
}
