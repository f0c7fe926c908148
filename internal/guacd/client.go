// Package guacd wraps github.com/wwt/guac's wire-level Stream/Config so the
// rest of the broker never constructs a guacd handshake by hand. This
// package is the entire surface through which the wire codec and the TCP
// connection to guacd are consumed.
package guacd

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/wwt/guac"
)

// ConnectParams describes a single upstream connection request, decoded
// from the guacg "connect" instruction's JSON arguments.
type ConnectParams struct {
	Protocol  string // rdp, vnc, or ssh
	Hostname  string
	Port      string
	Username  string
	Password  string
	Domain    string
	Security  string // rdp security mode (any, nla, tls, rdp, ...); defaults to "any"
	RemoteApp string // rdp RemoteApp program alias, e.g. "||notepad"
	Width     string
	Height    string
	DPI       string

	// Audio and Video record the client's supported mimetype lists from
	// the browser's "connect" arguments and are handed to guac.Config
	// directly. Image has no equivalent guac.Config field, so it is logged
	// at Dial instead of silently dropped.
	Audio []string
	Video []string
	Image []string

	// Extra carries any browser-supplied connect argument not recognized
	// as one of the named fields above, passed straight through to
	// guacd as an additional handshake parameter rather than discarded.
	Extra map[string]string
}

// DefaultParams returns a ConnectParams populated with the broker's
// fallback values (protocol=rdp, width=1024, height=768, dpi=96).
// Browser-supplied connect arguments override these.
func DefaultParams() ConnectParams {
	return ConnectParams{
		Protocol: "rdp",
		Port:     "3389",
		Width:    "1024",
		Height:   "768",
		DPI:      "96",
	}
}

// toGuacConfig builds the guac.Config the handshake actually sends, with a
// per-protocol parameter map.
func (p ConnectParams) toGuacConfig() guac.Config {
	cfg := guac.NewGuacamoleConfiguration()
	cfg.Protocol = p.Protocol
	if len(p.Audio) > 0 {
		cfg.AudioMimetypes = p.Audio
	}
	if len(p.Video) > 0 {
		cfg.VideoMimetypes = p.Video
	}

	params := map[string]string{
		"hostname": p.Hostname,
		"port":     p.Port,
		"width":    p.Width,
		"height":   p.Height,
		"dpi":      p.DPI,
	}

	switch p.Protocol {
	case "rdp":
		params["username"] = p.Username
		params["password"] = p.Password
		params["domain"] = p.Domain
		params["ignore-cert"] = "true"
		// Browser-supplied security overrides the broker's default;
		// "any" is only a fallback.
		if p.Security != "" {
			params["security"] = p.Security
		} else {
			params["security"] = "any"
		}
		if p.RemoteApp != "" {
			params["remote-app"] = p.RemoteApp
		}
	case "vnc":
		params["password"] = p.Password
	case "ssh":
		params["username"] = p.Username
		params["password"] = p.Password
	}

	// Any browser-supplied key this broker doesn't otherwise recognize is
	// passed straight through to guacd, rather than silently discarded.
	for k, v := range p.Extra {
		if _, set := params[k]; !set {
			params[k] = v
		}
	}

	cfg.Parameters = params
	return *cfg
}

// Client is a live connection to guacd: a raw TCP socket plus the
// guac.Stream handshake layered over it.
type Client struct {
	conn   net.Conn
	stream *guac.Stream
}

// Dial opens a TCP connection to guacd at addr and performs the select /
// size / audio / video / image / connect handshake for params, returning
// once guacd has replied "ready".
func Dial(addr string, params ConnectParams, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("guacd: dial %s: %w", addr, err)
	}

	if len(params.Image) > 0 {
		// guac.Config has no image-mimetype field to negotiate this through,
		// so it is surfaced here rather than silently dropped.
		slog.Debug("guacd handshake image mimetypes", "addr", addr, "image", strings.Join(params.Image, ","))
	}

	stream := guac.NewStream(conn, guac.SocketTimeout)
	cfg := params.toGuacConfig()
	if err := stream.Handshake(&cfg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("guacd: handshake: %w", err)
	}

	return &Client{conn: conn, stream: stream}, nil
}

// Write forwards a raw instruction frame from a browser to guacd.
func (c *Client) Write(data []byte) error {
	if _, err := c.stream.Write(data); err != nil {
		return fmt.Errorf("guacd: write: %w", err)
	}
	c.stream.Flush()
	return nil
}

// ReadSome blocks until guacd has at least one instruction ready, returning
// the raw bytes read (which may span zero, one, or several instructions).
func (c *Client) ReadSome() ([]byte, error) {
	data, err := c.stream.ReadSome()
	if err != nil {
		return nil, fmt.Errorf("guacd: read: %w", err)
	}
	return data, nil
}

// Close tears down the underlying TCP connection. Safe to call more than
// once; subsequent calls return the net package's already-closed error,
// which callers are expected to ignore.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Interrupt unblocks a read currently in progress by forcing the
// underlying connection's read deadline into the past, without closing
// the connection. Used to stop a reader pump cooperatively across a
// pause, handing the live connection to the ParkingLot's keepalive task.
func (c *Client) Interrupt() error {
	return c.conn.SetReadDeadline(time.Now())
}

// ClearDeadline removes any deadline set by Interrupt, restoring normal
// blocking reads for whichever reader takes over next.
func (c *Client) ClearDeadline() error {
	return c.conn.SetReadDeadline(time.Time{})
}

// IsTimeout reports whether err is the read-deadline expiry produced by
// Interrupt, as opposed to a genuine I/O failure.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
