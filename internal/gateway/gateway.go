// Package gateway establishes the RPC over HTTP v2 virtual connection
// to a Remote Desktop Gateway: two long-lived HTTP request streams
// ([MS-RPCH] Section 2.1) exposed to the bind core as its IN and OUT
// byte channels.
//
// The OUT channel is a streaming response read through net/http. The IN
// channel cannot go through net/http: the transport buffers request
// bodies and only flushes on completion, while the IN stream must
// deliver each PDU to the gateway as it is written. Its request
// preamble is written over a raw connection instead, and every Send
// goes straight to the socket.
//
// The RTS flow-control exchange that rides these channels belongs to
// the outer connection layer; this package only owns the streams and
// the connection/channel cookies that identify them.
package gateway

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// rpcProxyPath is the RPC proxy endpoint on the gateway
// ([MS-RPCH] Section 2.2.2).
const rpcProxyPath = "/rpc/rpcproxy.dll"

// rpcServerQuery is the well-known endpoint the proxy forwards to,
// carried in the query string.
const rpcServerQuery = "localhost:3388"

// inChannelContentLength is the declared length of the IN channel
// request body ([MS-RPCH] Section 2.1.2.1.1: 1 GB, the channel recycles
// before the limit is reached).
const inChannelContentLength = 1073741824

// Methods of the two channel requests ([MS-RPCH] Section 2.1.2.1.1).
const (
	methodInData  = "RPC_IN_DATA"
	methodOutData = "RPC_OUT_DATA"
)

// Sentinel errors.
var (
	// ErrBadGatewayStatus indicates a channel request was not accepted
	// with 200 OK.
	ErrBadGatewayStatus = errors.New("gateway rejected channel request")

	// ErrUnsupportedScheme indicates the endpoint URL is neither http
	// nor https.
	ErrUnsupportedScheme = errors.New("unsupported gateway URL scheme")
)

// Config describes the gateway endpoint.
type Config struct {
	// Hostname is the gateway host.
	Hostname string

	// Port is the gateway HTTPS port; 443 when zero.
	Port int

	// TLS is the optional TLS client configuration.
	TLS *tls.Config

	// BaseURL overrides the scheme://host:port derivation. Used by
	// tests to point at a plain-HTTP listener.
	BaseURL string

	// Client overrides the HTTP client used for the OUT channel. A
	// TLS-configured client is built when nil.
	Client *http.Client
}

// baseURL returns scheme://host:port of the proxy endpoint.
func (c Config) baseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	port := c.Port
	if port == 0 {
		port = 443
	}
	return fmt.Sprintf("https://%s:%d", c.Hostname, port)
}

// endpoint returns the full proxy URL.
func (c Config) endpoint() string {
	return c.baseURL() + rpcProxyPath + "?" + rpcServerQuery
}

// httpClient returns the configured or default HTTP client.
func (c Config) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig:    c.TLS,
			Proxy:              http.ProxyFromEnvironment,
			DisableCompression: true,
		},
	}
}

// VirtualConnection is one RPC over HTTP virtual connection: an IN
// stream for client-to-server PDUs and an OUT stream for
// server-to-client PDUs, tied together by the connection cookie.
type VirtualConnection struct {
	// ConnectionCookie identifies the virtual connection; the channel
	// cookies identify its two legs. The outer connection layer embeds
	// them in its RTS PDUs.
	ConnectionCookie uuid.UUID
	InCookie         uuid.UUID
	OutCookie        uuid.UUID

	logger *slog.Logger

	inConn  net.Conn
	outBody io.ReadCloser
}

// Dial opens both channels of a virtual connection concurrently. The
// OUT leg is established once the gateway answers with a streaming
// response; the IN leg is a request whose body remains open for the
// lifetime of the connection.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*VirtualConnection, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	vc := &VirtualConnection{
		ConnectionCookie: uuid.New(),
		InCookie:         uuid.New(),
		OutCookie:        uuid.New(),
		logger:           logger,
	}

	var g errgroup.Group
	g.Go(func() error { return vc.openOut(ctx, cfg) })
	g.Go(func() error { return vc.openIn(ctx, cfg) })
	if err := g.Wait(); err != nil {
		vc.Close()
		return nil, err
	}

	logger.Debug("virtual connection established",
		slog.String("gateway", cfg.Hostname),
		slog.String("connection_cookie", vc.ConnectionCookie.String()),
		slog.String("in_cookie", vc.InCookie.String()),
		slog.String("out_cookie", vc.OutCookie.String()),
	)

	return vc, nil
}

// openOut issues the RPC_OUT_DATA request and keeps the response body
// as the inbound stream. The request is created on the caller's
// context so the stream stays usable after Dial returns.
func (vc *VirtualConnection) openOut(ctx context.Context, cfg Config) error {
	req, err := http.NewRequestWithContext(ctx, methodOutData, cfg.endpoint(), nil)
	if err != nil {
		return fmt.Errorf("open OUT channel: %w", err)
	}
	setChannelHeaders(req.Header)

	resp, err := cfg.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("open OUT channel: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("open OUT channel: status %d: %w", resp.StatusCode, ErrBadGatewayStatus)
	}

	vc.outBody = resp.Body

	return nil
}

// openIn dials the gateway directly and writes the RPC_IN_DATA request
// preamble. The connection then carries raw PDU bytes for the channel
// lifetime; the gateway's response only arrives when the channel ends
// and is never read.
func (vc *VirtualConnection) openIn(ctx context.Context, cfg Config) error {
	u, err := url.Parse(cfg.baseURL())
	if err != nil {
		return fmt.Errorf("open IN channel: parse endpoint: %w", err)
	}

	conn, err := dialEndpoint(ctx, u, cfg.TLS)
	if err != nil {
		return fmt.Errorf("open IN channel: %w", err)
	}

	bw := bufio.NewWriter(conn)
	fmt.Fprintf(bw, "%s %s?%s HTTP/1.1\r\n", methodInData, rpcProxyPath, rpcServerQuery)
	fmt.Fprintf(bw, "Host: %s\r\n", u.Host)
	fmt.Fprintf(bw, "Content-Length: %d\r\n", inChannelContentLength)

	hdr := make(http.Header)
	setChannelHeaders(hdr)
	if err := hdr.Write(bw); err != nil {
		conn.Close()
		return fmt.Errorf("open IN channel: write headers: %w", err)
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		conn.Close()
		return fmt.Errorf("open IN channel: write headers: %w", err)
	}
	if err := bw.Flush(); err != nil {
		conn.Close()
		return fmt.Errorf("open IN channel: flush preamble: %w", err)
	}

	vc.inConn = conn

	return nil
}

// dialEndpoint opens a TCP or TLS connection to the URL's host.
func dialEndpoint(ctx context.Context, u *url.URL, tlsCfg *tls.Config) (net.Conn, error) {
	host := u.Host
	var d net.Dialer

	switch u.Scheme {
	case "http":
		if u.Port() == "" {
			host = net.JoinHostPort(u.Hostname(), "80")
		}
		return d.DialContext(ctx, "tcp", host)

	case "https":
		if u.Port() == "" {
			host = net.JoinHostPort(u.Hostname(), "443")
		}
		cfg := tlsCfg
		if cfg == nil {
			cfg = &tls.Config{}
		}
		if cfg.ServerName == "" {
			cfg = cfg.Clone()
			cfg.ServerName = u.Hostname()
		}
		td := &tls.Dialer{NetDialer: &d, Config: cfg}
		return td.DialContext(ctx, "tcp", host)

	default:
		return nil, fmt.Errorf("%q: %w", u.Scheme, ErrUnsupportedScheme)
	}
}

// setChannelHeaders applies the channel request headers of
// [MS-RPCH] Section 2.1.2.1.
func setChannelHeaders(h http.Header) {
	h.Set("Accept", "application/rpc")
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")
	h.Set("User-Agent", "MSRPC")
}

// Close tears down both legs. Safe to call more than once.
func (vc *VirtualConnection) Close() error {
	var err error
	if vc.inConn != nil {
		err = vc.inConn.Close()
	}
	if vc.outBody != nil {
		if cerr := vc.outBody.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// -------------------------------------------------------------------------
// Channel adapters
// -------------------------------------------------------------------------

// In returns the outbound channel facade for the bind core.
func (vc *VirtualConnection) In() *InChannel {
	return &InChannel{vc: vc}
}

// Out returns the inbound channel facade for the bind core.
func (vc *VirtualConnection) Out() *OutChannel {
	return &OutChannel{vc: vc}
}

// InChannel implements rpce.InChannel over the RPC_IN_DATA stream.
type InChannel struct {
	vc *VirtualConnection
}

// Send writes the whole buffer to the IN stream as one logical write.
// Context cancellation or deadline expiry interrupts the write through
// the connection's write deadline.
func (c *InChannel) Send(ctx context.Context, buf []byte) (int, error) {
	conn := c.vc.inConn

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetWriteDeadline(time.Unix(1, 0))
	})
	defer stop()

	n, err := conn.Write(buf)
	if err != nil {
		return n, fmt.Errorf("IN channel write: %w", err)
	}

	return n, nil
}

// OutChannel implements rpce.OutChannel over the RPC_OUT_DATA response
// stream.
type OutChannel struct {
	vc *VirtualConnection
}

// Recv fills buf with the next available bytes of the response stream.
func (c *OutChannel) Recv(ctx context.Context, buf []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)

	go func() {
		n, err := c.vc.outBody.Read(buf)
		done <- result{n: n, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && r.n == 0 {
			return 0, r.err
		}
		return r.n, nil
	case <-ctx.Done():
		c.vc.outBody.Close()
		<-done
		return 0, ctx.Err()
	}
}
