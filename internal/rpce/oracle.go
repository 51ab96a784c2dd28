package rpce

import "context"

// TokenStatus reports the oracle's view of the authentication exchange
// after producing or consuming a token.
type TokenStatus uint8

const (
	// TokenContinue indicates the exchange needs further legs.
	TokenContinue TokenStatus = iota + 1

	// TokenComplete indicates the exchange is finished on this side.
	TokenComplete
)

// String returns the human-readable name for the token status.
func (s TokenStatus) String() string {
	switch s {
	case TokenContinue:
		return "Continue"
	case TokenComplete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// AuthOracle produces and consumes the opaque GSS-style tokens embedded
// in the secure bind exchange. The oracle is stateful and owned by the
// session that created it; the engine treats it as a black box.
type AuthOracle interface {
	// InitialToken produces the first outbound token.
	InitialToken() ([]byte, TokenStatus, error)

	// AcceptToken consumes a server token.
	AcceptToken(token []byte) (TokenStatus, error)

	// NextToken produces a subsequent outbound token after a server
	// token has been accepted.
	NextToken() ([]byte, TokenStatus, error)
}

// OracleFactory constructs an AuthOracle for the resolved gateway
// credentials. Construction happens only after credential prompting
// succeeds, so a cancelled prompt never initializes a security context.
type OracleFactory func(creds Credentials) (AuthOracle, error)

// Credentials is an immutable bundle of the three identity fields used
// by the security provider. Copies are cheap and never alias shared
// configuration.
type Credentials struct {
	Username string
	Domain   string
	Password string
}

// NeedsPrompt reports whether the bundle is incomplete for
// authentication purposes. The domain may legitimately be empty.
func (c Credentials) NeedsPrompt() bool {
	return c.Username == "" || c.Password == ""
}

// CredentialPrompt asks the user for gateway credentials when the
// configured bundle is incomplete. A user-initiated abort is reported
// as an error wrapping ErrCancelled.
type CredentialPrompt interface {
	PromptCredentials(ctx context.Context, gatewayHost string) (Credentials, error)
}
