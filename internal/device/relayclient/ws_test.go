package relayclient

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncwell/recordsync/internal/api"
	"github.com/syncwell/recordsync/internal/common"
	"github.com/syncwell/recordsync/internal/vector"
)

// acceptTestWS upgrades the request the way the relay does, so the client is
// exercised against the same handshake it meets in production.
func acceptTestWS(t *testing.T, w http.ResponseWriter, r *http.Request) net.Conn {
	t.Helper()
	key := r.Header.Get("Sec-WebSocket-Key")
	require.NotEmpty(t, key)

	sum := sha1.Sum([]byte(key + "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"))
	accept := base64.StdEncoding.EncodeToString(sum[:])

	hj, ok := w.(http.Hijacker)
	require.True(t, ok)
	conn, rw, err := hj.Hijack()
	require.NoError(t, err)

	resp := fmt.Sprintf("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: %s\r\n\r\n", accept)
	_, err = rw.WriteString(resp)
	require.NoError(t, err)
	require.NoError(t, rw.Flush())
	return conn
}

func writeServerFrame(t *testing.T, w *bufio.Writer, opcode byte, payload []byte) {
	t.Helper()
	require.NoError(t, w.WriteByte(0x80|opcode))
	length := len(payload)
	switch {
	case length <= 125:
		require.NoError(t, w.WriteByte(byte(length)))
	case length < 65536:
		require.NoError(t, w.WriteByte(126))
		require.NoError(t, binary.Write(w, binary.BigEndian, uint16(length)))
	default:
		require.NoError(t, w.WriteByte(127))
		require.NoError(t, binary.Write(w, binary.BigEndian, uint64(length)))
	}
	_, err := w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Flush())
}

func TestSubscribe_StreamsDeltas(t *testing.T) {
	d1 := api.Delta{RecordID: "r1", Vector: vector.Vector{"dev": 1}, Tombstone: true,
		UpdatedAt: time.Now().UTC(), OriginDevice: "dev", Seq: 1}
	d2 := api.Delta{RecordID: "r2", Vector: vector.Vector{"dev": 2}, Tombstone: true,
		UpdatedAt: time.Now().UTC(), OriginDevice: "dev", Seq: 2}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, api.PathSubscribe, r.URL.Path)
		assert.Equal(t, "scope-x", r.URL.Query().Get("scope"))
		assert.Equal(t, "5", r.URL.Query().Get("since"))
		assert.Equal(t, common.BearerPrefix+"acc", r.Header.Get(common.AuthorizationHeaderName))

		conn := acceptTestWS(t, w, r)
		defer func() { _ = conn.Close() }()
		bw := bufio.NewWriter(conn)

		for _, d := range []api.Delta{d1, d2} {
			data, err := json.Marshal(d)
			require.NoError(t, err)
			writeServerFrame(t, bw, wsOpText, data)
		}
		writeServerFrame(t, bw, wsOpPing, nil)
		writeServerFrame(t, bw, wsOpClose, nil)

		// wait for the client to hang up; also absorbs its pong
		_, _ = io.Copy(io.Discard, conn)
	}))
	defer srv.Close()

	c := New(srv.URL, nopLogger{})
	c.SetTokens("acc", "")

	sub, err := c.Subscribe(context.Background(), "scope-x", 5)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	got, err := sub.Next()
	require.NoError(t, err)
	assert.Equal(t, "r1", got.RecordID)
	assert.EqualValues(t, 1, got.Seq)

	got, err = sub.Next()
	require.NoError(t, err)
	assert.Equal(t, "r2", got.RecordID)

	// ping is answered internally; close surfaces as EOF
	_, err = sub.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSubscribe_UnauthorizedRefreshesAndRetries(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == api.PathRefresh {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(api.TokenPair{AccessToken: "acc-2", RefreshToken: "ref-2"})
			return
		}
		attempts++
		if r.Header.Get(common.AuthorizationHeaderName) != common.BearerPrefix+"acc-2" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "token expired"})
			return
		}
		conn := acceptTestWS(t, w, r)
		defer func() { _ = conn.Close() }()
		writeServerFrame(t, bufio.NewWriter(conn), wsOpClose, nil)
		_, _ = io.Copy(io.Discard, conn)
	}))
	defer srv.Close()

	c := New(srv.URL, nopLogger{})
	c.SetTokens("stale", "ref-1")

	sub, err := c.Subscribe(context.Background(), "", 0)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()
	assert.Equal(t, 2, attempts)
}

func TestSubscribe_ForbiddenScope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "no grant"})
	}))
	defer srv.Close()

	c := New(srv.URL, nopLogger{})
	c.SetTokens("acc", "")

	_, err := c.Subscribe(context.Background(), "someone-elses-scope", 0)
	assert.ErrorIs(t, err, common.ErrAuthorizationDenied)
}
