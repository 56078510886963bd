package relayclient

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/syncwell/recordsync/internal/api"
	"github.com/syncwell/recordsync/internal/common"
)

// Subscription is a live delta stream for one scope. Read deltas with Next;
// Close tears the connection down. Not safe for concurrent Next calls.
type Subscription struct {
	conn *wsConn
}

// Subscribe opens the websocket stream for a scope, starting after the given
// cursor. An expired access token is refreshed once and the dial retried.
func (c *Client) Subscribe(ctx context.Context, scope string, since int64) (*Subscription, error) {
	access, refresh := c.tokens()
	conn, err := c.dialSubscribe(ctx, scope, since, access)
	if err == nil {
		return &Subscription{conn: conn}, nil
	}
	if !errorsIsUnauthorized(err) || refresh == "" {
		return nil, err
	}
	if rerr := c.Refresh(ctx); rerr != nil {
		return nil, err
	}
	access, _ = c.tokens()
	conn, err = c.dialSubscribe(ctx, scope, since, access)
	if err != nil {
		return nil, err
	}
	return &Subscription{conn: conn}, nil
}

// Next blocks until the relay delivers the next delta. Server pings are
// answered in between. Returns io.EOF when the relay closes the stream.
func (s *Subscription) Next() (api.Delta, error) {
	data, err := s.conn.readText()
	if err != nil {
		return api.Delta{}, err
	}
	var d api.Delta
	if err := json.Unmarshal(data, &d); err != nil {
		return api.Delta{}, fmt.Errorf("malformed delta frame: %w", err)
	}
	return d, nil
}

func (s *Subscription) Close() error {
	return s.conn.close()
}

func (c *Client) dialSubscribe(ctx context.Context, scope string, since int64, token string) (*wsConn, error) {
	u, err := url.Parse(c.baseURL + api.PathSubscribe)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	if scope != "" {
		q.Set("scope", scope)
	}
	q.Set("since", strconv.FormatInt(since, 10))
	u.RawQuery = q.Encode()

	conn, err := openConn(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("subscribe dial: %w: %v", common.ErrTransportUnavailable, err)
	}
	ws, err := handshake(conn, u, token)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ws, nil
}

func openConn(ctx context.Context, u *url.URL) (net.Conn, error) {
	host := u.Host
	var d net.Dialer
	switch u.Scheme {
	case "ws":
		if !strings.Contains(host, ":") {
			host += ":80"
		}
		return d.DialContext(ctx, "tcp", host)
	case "wss":
		if !strings.Contains(host, ":") {
			host += ":443"
		}
		td := tls.Dialer{NetDialer: &d}
		return td.DialContext(ctx, "tcp", host)
	default:
		return nil, fmt.Errorf("unsupported websocket scheme %s", u.Scheme)
	}
}

// handshake performs the client side of the RFC 6455 upgrade, carrying the
// bearer token so the relay can authenticate the stream.
func handshake(conn net.Conn, u *url.URL, token string) (*wsConn, error) {
	keyBytes := make([]byte, 16)
	if _, err := rand.Read(keyBytes); err != nil {
		return nil, err
	}
	key := base64.StdEncoding.EncodeToString(keyBytes)

	var sb strings.Builder
	fmt.Fprintf(&sb, "GET %s HTTP/1.1\r\n", u.RequestURI())
	fmt.Fprintf(&sb, "Host: %s\r\n", u.Host)
	sb.WriteString("Upgrade: websocket\r\nConnection: Upgrade\r\n")
	fmt.Fprintf(&sb, "Sec-WebSocket-Key: %s\r\nSec-WebSocket-Version: 13\r\n", key)
	if token != "" {
		fmt.Fprintf(&sb, "%s: %s%s\r\n", common.AuthorizationHeaderName, common.BearerPrefix, token)
	}
	sb.WriteString("\r\n")

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	if _, err := rw.WriteString(sb.String()); err != nil {
		return nil, err
	}
	if err := rw.Flush(); err != nil {
		return nil, err
	}

	status, err := rw.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("subscribe handshake: %w: %v", common.ErrTransportUnavailable, err)
	}
	if code := statusCode(status); code != http.StatusSwitchingProtocols {
		// Drain headers so the sentinel mapping sees a clean status.
		_ = drainHeaders(rw.Reader)
		return nil, &statusError{status: code, err: fmt.Errorf("subscribe rejected: %s: %w",
			strings.TrimSpace(status), mapWSStatus(code))}
	}

	accept, err := readAcceptHeader(rw.Reader)
	if err != nil {
		return nil, err
	}
	if accept != computeAccept(key) {
		return nil, fmt.Errorf("websocket handshake validation failed")
	}
	return &wsConn{conn: conn, rw: rw}, nil
}

func statusCode(statusLine string) int {
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 {
		return 0
	}
	code, _ := strconv.Atoi(parts[1])
	return code
}

func mapWSStatus(code int) error {
	switch code {
	case http.StatusUnauthorized:
		return common.ErrorUnauthorized
	case http.StatusForbidden:
		return common.ErrAuthorizationDenied
	case http.StatusBadRequest:
		return common.ErrInvalidRequest
	default:
		return common.ErrTransportUnavailable
	}
}

func drainHeaders(r *bufio.Reader) error {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		if strings.TrimRight(line, "\r\n") == "" {
			return nil
		}
	}
}

func readAcceptHeader(r *bufio.Reader) (string, error) {
	var accept string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) == 2 && strings.EqualFold(strings.TrimSpace(parts[0]), "Sec-WebSocket-Accept") {
			accept = strings.TrimSpace(parts[1])
		}
	}
	if accept == "" {
		return "", fmt.Errorf("websocket handshake validation failed")
	}
	return accept, nil
}

const (
	wsOpText  = 0x1
	wsOpClose = 0x8
	wsOpPing  = 0x9
	wsOpPong  = 0xA
)

type wsConn struct {
	conn net.Conn
	rw   *bufio.ReadWriter
	mu   sync.Mutex
}

// readText returns the next text frame, answering pings along the way.
func (c *wsConn) readText() ([]byte, error) {
	for {
		opcode, payload, err := c.readFrame()
		if err != nil {
			return nil, err
		}
		switch opcode {
		case wsOpText:
			return payload, nil
		case wsOpClose:
			return nil, io.EOF
		case wsOpPing:
			if err := c.writeFrame(wsOpPong, payload); err != nil {
				return nil, err
			}
		default:
			// pongs and unknown opcodes are ignored
		}
	}
}

func (c *wsConn) readFrame() (byte, []byte, error) {
	first, err := c.rw.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	fin := first&0x80 != 0
	opcode := first & 0x0F

	second, err := c.rw.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	masked := second&0x80 != 0
	length := int(second & 0x7F)
	switch length {
	case 126:
		var ext uint16
		if err := binary.Read(c.rw, binary.BigEndian, &ext); err != nil {
			return 0, nil, err
		}
		length = int(ext)
	case 127:
		var ext uint64
		if err := binary.Read(c.rw, binary.BigEndian, &ext); err != nil {
			return 0, nil, err
		}
		if ext > (1<<31 - 1) {
			return 0, nil, fmt.Errorf("frame too large")
		}
		length = int(ext)
	}

	var mask [4]byte
	if masked {
		if _, err := io.ReadFull(c.rw, mask[:]); err != nil {
			return 0, nil, err
		}
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(c.rw, payload); err != nil {
		return 0, nil, err
	}
	if masked {
		for i := range payload {
			payload[i] ^= mask[i%4]
		}
	}
	if !fin {
		return 0, nil, fmt.Errorf("fragmented frames not supported")
	}
	return opcode, payload, nil
}

// writeFrame writes one masked client frame, as RFC 6455 requires of clients.
func (c *wsConn) writeFrame(opcode byte, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	if err := c.rw.WriteByte(0x80 | opcode); err != nil {
		return err
	}
	length := len(payload)
	switch {
	case length <= 125:
		if err := c.rw.WriteByte(0x80 | byte(length)); err != nil {
			return err
		}
	case length < 65536:
		if err := c.rw.WriteByte(0x80 | 126); err != nil {
			return err
		}
		if err := binary.Write(c.rw, binary.BigEndian, uint16(length)); err != nil {
			return err
		}
	default:
		if err := c.rw.WriteByte(0x80 | 127); err != nil {
			return err
		}
		if err := binary.Write(c.rw, binary.BigEndian, uint64(length)); err != nil {
			return err
		}
	}
	var mask [4]byte
	if _, err := rand.Read(mask[:]); err != nil {
		return err
	}
	if _, err := c.rw.Write(mask[:]); err != nil {
		return err
	}
	masked := make([]byte, length)
	for i, b := range payload {
		masked[i] = b ^ mask[i%4]
	}
	if _, err := c.rw.Write(masked); err != nil {
		return err
	}
	return c.rw.Flush()
}

func (c *wsConn) close() error {
	return c.conn.Close()
}

func computeAccept(key string) string {
	const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	sum := sha1.Sum([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}
