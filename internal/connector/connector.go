// Package connector exchanges exactly one authorization request/response pair
// with the privileged su helper over a local unix-domain channel.
//
// Two protocol generations are supported because older helpers still exist:
//   - V1 binds a filesystem-namespaced address and replies with an ASCII
//     token ("socket:ALLOW" / "socket:DENY"). Teardown of the address means
//     the peer died; the session must resolve to deny.
//   - V2 binds an abstract-namespace address and replies with a single
//     4-byte big-endian integer equal to the numeric decision code.
//
// The channel name and version arrive out-of-band from the process that
// spawned the request; they are opaque here beyond "a string and a tag".
package connector

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/jkaninda/askari/internal/policy"
)

var (
	// ErrChannelNotFound is returned when the named channel cannot be bound.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrMalformedPayload is returned when the request payload does not
	// parse. Fatal to the session; the peer observes channel close.
	ErrMalformedPayload = errors.New("malformed request payload")
	// ErrAlreadyReplied is returned on a second Reply for the same session.
	ErrAlreadyReplied = errors.New("reply already sent")
)

// Version tags the wire protocol generation.
type Version int

const (
	V1 Version = 1
	V2 Version = 2
)

// Wire decision codes shared with the su helper. Only these two values ever
// cross the wire; expiry never does.
const (
	wireDeny  uint32 = 0
	wireAllow uint32 = 1
)

// V1 reply tokens.
const (
	v1ReplyAllow = "socket:ALLOW"
	v1ReplyDeny  = "socket:DENY"
)

// Payload field framing limits. A field longer than this is garbage, not a
// request.
const maxFieldLen = 4096

const acceptDeadline = 30 * time.Second

// Request is the parsed authorization request read off the channel.
type Request struct {
	UID     int64  // Requester identity (OS-assigned).
	PID     int    // Requesting process, informational.
	Command string // Requested command line, informational. May be empty.
}

// Connector owns one channel for one request/response exchange.
type Connector struct {
	version  Version
	listener net.Listener

	mu      sync.Mutex
	conn    net.Conn
	replied bool

	done     chan struct{}
	doneOnce sync.Once
}

// Open binds the named channel. For V1 the name is a socket file inside dir;
// for V2 it is an abstract-namespace address and dir is ignored.
func Open(name string, version Version, dir string) (*Connector, error) {
	var addr string
	switch version {
	case V1:
		addr = filepath.Join(dir, name)
	case V2:
		// Leading @ selects the abstract namespace; no filesystem entry
		// is created.
		addr = "@" + name
	default:
		return nil, fmt.Errorf("unsupported protocol version %d", version)
	}

	l, err := net.Listen("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: binding %q: %v", ErrChannelNotFound, addr, err)
	}
	return &Connector{
		version:  version,
		listener: l,
		done:     make(chan struct{}),
	}, nil
}

// Version returns the protocol generation this connector speaks.
func (c *Connector) Version() Version {
	return c.version
}

// Done is closed when the peer tears the channel down before a reply was
// written. The engine treats that as implicit cancellation and resolves to
// deny.
func (c *Connector) Done() <-chan struct{} {
	return c.done
}

// Accept blocks until the peer connects, then reads and parses the request
// payload. Any read or parse failure is fatal to the session.
func (c *Connector) Accept(ctx context.Context) (*Request, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan result, 1)
	go func() {
		conn, err := c.listener.Accept()
		accepted <- result{conn, err}
	}()

	var conn net.Conn
	select {
	case <-ctx.Done():
		c.listener.Close()
		return nil, ctx.Err()
	case r := <-accepted:
		if r.err != nil {
			return nil, fmt.Errorf("accepting peer: %w", r.err)
		}
		conn = r.conn
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(acceptDeadline))
	req, err := readRequest(conn)
	if err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	// Drain in the background: the peer writes nothing further, so a read
	// return means the peer closed its end. That is the implicit-cancel
	// signal for both versions.
	go func() {
		var buf [1]byte
		_, _ = conn.Read(buf[:])
		c.doneOnce.Do(func() { close(c.done) })
	}()

	return req, nil
}

// Reply encodes the decision for the negotiated protocol version and writes
// it back to the peer. Exactly one Reply per session.
func (c *Connector) Reply(d policy.Decision) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("reply before accept")
	}
	if c.replied {
		return ErrAlreadyReplied
	}
	c.replied = true

	var payload []byte
	switch c.version {
	case V1:
		if d.Granted() {
			payload = []byte(v1ReplyAllow)
		} else {
			payload = []byte(v1ReplyDeny)
		}
	default:
		code := wireDeny
		if d.Granted() {
			code = wireAllow
		}
		payload = binary.BigEndian.AppendUint32(nil, code)
	}

	if _, err := c.conn.Write(payload); err != nil {
		return fmt.Errorf("writing reply: %w", err)
	}
	return nil
}

// Close releases the channel. The socket file of a V1 channel is removed by
// the listener close. Safe to call on every exit path.
func (c *Connector) Close() error {
	c.doneOnce.Do(func() { close(c.done) })
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return c.listener.Close()
}

// readRequest parses the length-framed key/value payload the su helper
// writes on connect:
//
//	u32 key length | key bytes | u32 value length | value bytes | ...
//
// terminated by the key "eof". Values are ASCII. Data does not arrive
// atomically; every frame is read in full before parsing.
func readRequest(r io.Reader) (*Request, error) {
	req := &Request{UID: -1}
	for {
		key, err := readField(r)
		if err != nil {
			return nil, err
		}
		if string(key) == "eof" {
			break
		}
		value, err := readField(r)
		if err != nil {
			return nil, err
		}
		switch string(key) {
		case "uid":
			uid, err := strconv.ParseInt(string(value), 10, 64)
			if err != nil || uid < 0 {
				return nil, fmt.Errorf("%w: uid %q", ErrMalformedPayload, value)
			}
			req.UID = uid
		case "pid":
			pid, err := strconv.Atoi(string(value))
			if err == nil {
				req.PID = pid
			}
		case "command":
			req.Command = string(value)
		default:
			// Unknown fields from newer helpers are skipped.
		}
	}
	if req.UID < 0 {
		return nil, fmt.Errorf("%w: missing uid field", ErrMalformedPayload)
	}
	return req, nil
}

func readField(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: reading frame length: %v", ErrMalformedPayload, err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFieldLen {
		return nil, fmt.Errorf("%w: frame length %d", ErrMalformedPayload, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: reading frame body: %v", ErrMalformedPayload, err)
	}
	return buf, nil
}
