package httpapi

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/syncwell/recordsync/internal/api"
	"github.com/syncwell/recordsync/internal/relay/metrics"
)

// handleSubscribe upgrades the request to a websocket and streams deltas for
// one scope as they arrive. The stream is poll-driven server side: each tick
// pulls everything past the client's cursor and writes one text frame per
// delta. Authorization is re-checked on every pull, so a revoked grant closes
// the stream at the next tick.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.account(w, r)
	if !ok {
		return
	}

	ctx := r.Context()

	scope := r.URL.Query().Get("scope")
	var since int64

	// Authorization happens before the handshake so a denied subscriber
	// gets a proper HTTP status instead of a dropped socket.
	switch raw := r.URL.Query().Get("since"); raw {
	case "":
		if err := s.sync.AuthorizeRead(ctx, accountID, scope); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
	case "tail":
		// Skip history, follow new deltas only.
		v, err := s.sync.MaxSeq(ctx, accountID, scope)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		since = v
	default:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "invalid since cursor")
			return
		}
		since = v
		if err := s.sync.AuthorizeRead(ctx, accountID, scope); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
	}

	ws, err := acceptWebSocket(w, r)
	if err != nil {
		s.logger.Warn(ctx, "ws handshake failed", "error", err)
		return
	}
	defer ws.close()

	metrics.SubscribersConnected.WithLabelValues().Inc()
	defer metrics.SubscribersConnected.WithLabelValues().Dec()

	cursor := since

	sendPending := func() error {
		for {
			resp, err := s.sync.Pull(ctx, accountID, &api.PullRequest{
				Scope: scope,
				Since: cursor,
				Limit: s.batchLimit,
			})
			if err != nil {
				return err
			}
			for i := range resp.Deltas {
				data, err := json.Marshal(&resp.Deltas[i])
				if err != nil {
					return err
				}
				if err := ws.writeFrame(opText, data); err != nil {
					return err
				}
				metrics.DeltasServedTotal.WithLabelValues("ws").Inc()
			}
			if len(resp.Deltas) == 0 {
				return nil
			}
			cursor = resp.NextCursor
			if len(resp.Deltas) < s.batchLimit {
				return nil
			}
		}
	}

	if err := sendPending(); err != nil {
		s.logger.Warn(ctx, "ws initial send failed", "error", err)
		return
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sendPending(); err != nil {
				s.logger.Warn(ctx, "ws send failed", "error", err)
				return
			}
			if err := ws.writeFrame(opPing, nil); err != nil {
				s.logger.Debug(ctx, "ws ping failed", "error", err)
				return
			}
		}
	}
}

const (
	opText = 0x1
	opPing = 0x9
)

type wsServerConn struct {
	conn net.Conn
	w    *bufio.Writer
	mu   sync.Mutex
}

func acceptWebSocket(w http.ResponseWriter, r *http.Request) (*wsServerConn, error) {
	if !strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") {
		http.Error(w, "bad request", http.StatusBadRequest)
		return nil, fmt.Errorf("missing upgrade header")
	}
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		http.Error(w, "bad request", http.StatusBadRequest)
		return nil, fmt.Errorf("invalid upgrade value")
	}
	key := strings.TrimSpace(r.Header.Get("Sec-WebSocket-Key"))
	if key == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return nil, fmt.Errorf("missing websocket key")
	}
	accept := computeAccept(key)
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return nil, fmt.Errorf("hijacking not supported")
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		return nil, err
	}
	response := fmt.Sprintf("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: %s\r\n\r\n", accept)
	if _, err := rw.WriteString(response); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := rw.Flush(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &wsServerConn{conn: conn, w: bufio.NewWriter(conn)}, nil
}

func (c *wsServerConn) writeFrame(opcode byte, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	if err := c.w.WriteByte(0x80 | opcode); err != nil {
		return err
	}
	length := len(payload)
	switch {
	case length <= 125:
		if err := c.w.WriteByte(byte(length)); err != nil {
			return err
		}
	case length < 65536:
		if err := c.w.WriteByte(126); err != nil {
			return err
		}
		if err := binary.Write(c.w, binary.BigEndian, uint16(length)); err != nil {
			return err
		}
	default:
		if err := c.w.WriteByte(127); err != nil {
			return err
		}
		if err := binary.Write(c.w, binary.BigEndian, uint64(length)); err != nil {
			return err
		}
	}
	if _, err := c.w.Write(payload); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *wsServerConn) close() {
	_ = c.conn.Close()
}

func computeAccept(key string) string {
	const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	sum := sha1.Sum([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}
