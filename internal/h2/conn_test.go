package h2

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"

	"github.com/dubbogo/triple/internal/loop"
)

// recordingHandler captures every event delivered to a stream, guarded by
// a mutex since delivery happens on the owning Conn's loop goroutine while
// assertions run on the test goroutine.
type recordingHandler struct {
	mu        sync.Mutex
	headers   []Headers
	data      [][]byte
	trailers  []Headers
	reset     []http2.ErrCode
	headersCh chan struct{}
	dataCh    chan struct{}
	trailCh   chan struct{}
	resetCh   chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		headersCh: make(chan struct{}, 16),
		dataCh:    make(chan struct{}, 16),
		trailCh:   make(chan struct{}, 16),
		resetCh:   make(chan struct{}, 16),
	}
}

func (h *recordingHandler) OnHeaders(hdrs Headers, endStream bool) {
	h.mu.Lock()
	h.headers = append(h.headers, hdrs)
	h.mu.Unlock()
	h.headersCh <- struct{}{}
}

func (h *recordingHandler) OnData(p []byte, endStream bool) {
	h.mu.Lock()
	h.data = append(h.data, append([]byte(nil), p...))
	h.mu.Unlock()
	h.dataCh <- struct{}{}
}

func (h *recordingHandler) OnTrailers(hdrs Headers) {
	h.mu.Lock()
	h.trailers = append(h.trailers, hdrs)
	h.mu.Unlock()
	h.trailCh <- struct{}{}
}

func (h *recordingHandler) OnReset(code http2.ErrCode) {
	h.mu.Lock()
	h.reset = append(h.reset, code)
	h.mu.Unlock()
	h.resetCh <- struct{}{}
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

// dialPipe wires up a client Conn and server Conn over a net.Pipe, each
// driven by its own Loop, and returns both plus the server-side handler
// that will receive the next opened stream.
func dialPipe(t *testing.T) (client *Conn, server *Conn, serverHandler *recordingHandler, clientLoop, serverLoop *loop.Loop) {
	t.Helper()
	clientNC, serverNC := net.Pipe()
	clientLoop = loop.New()
	serverLoop = loop.New()
	go clientLoop.Run()
	go serverLoop.Run()
	t.Cleanup(func() {
		clientLoop.Stop()
		serverLoop.Stop()
	})

	serverHandler = newRecordingHandler()
	serverReady := make(chan *Conn, 1)
	go func() {
		s, err := Accept(serverNC, serverLoop, func(_ *Conn, streamID uint32, h Headers, endStream bool) StreamEventHandler {
			return serverHandler
		})
		require.NoError(t, err)
		serverReady <- s
	}()

	c, err := NewClient(clientNC, clientLoop)
	require.NoError(t, err)

	select {
	case server = <-serverReady:
	case <-time.After(2 * time.Second):
		t.Fatal("server handshake never completed")
	}
	return c, server, serverHandler, clientLoop, serverLoop
}

func TestHeadersAndDataRoundTrip(t *testing.T) {
	client, _, serverHandler, _, _ := dialPipe(t)

	clientHandler := newRecordingHandler()
	reqHeaders := Headers{{Name: ":method", Value: "POST"}, {Name: ":path", Value: "/svc/Method"}}
	streamID, err := client.OpenStream(context.Background(), reqHeaders, false, clientHandler)
	require.NoError(t, err)

	waitFor(t, serverHandler.headersCh)
	serverHandler.mu.Lock()
	require.Len(t, serverHandler.headers, 1)
	assert.Equal(t, "/svc/Method", serverHandler.headers[0].Get(":path"))
	serverHandler.mu.Unlock()

	require.NoError(t, client.SendData(streamID, []byte("hello"), true))
	waitFor(t, serverHandler.dataCh)
	serverHandler.mu.Lock()
	require.Len(t, serverHandler.data, 1)
	assert.Equal(t, "hello", string(serverHandler.data[0]))
	serverHandler.mu.Unlock()
}

func TestServerRespondsWithHeadersDataTrailers(t *testing.T) {
	client, server, serverHandler, _, _ := dialPipe(t)
	_ = serverHandler

	clientHandler := newRecordingHandler()
	streamID, err := client.OpenStream(context.Background(), Headers{{Name: ":method", Value: "POST"}, {Name: ":path", Value: "/svc/M"}}, true, clientHandler)
	require.NoError(t, err)

	waitFor(t, serverHandler.headersCh)

	require.NoError(t, server.SendHeaders(streamID, Headers{{Name: ":status", Value: "200"}}, false))
	waitFor(t, clientHandler.headersCh)

	require.NoError(t, server.SendData(streamID, []byte("reply"), false))
	waitFor(t, clientHandler.dataCh)
	clientHandler.mu.Lock()
	assert.Equal(t, "reply", string(clientHandler.data[0]))
	clientHandler.mu.Unlock()

	require.NoError(t, server.SendTrailers(streamID, Headers{{Name: "grpc-status", Value: "0"}}))
	waitFor(t, clientHandler.trailCh)
	clientHandler.mu.Lock()
	assert.Equal(t, "0", clientHandler.trailers[0].Get("grpc-status"))
	clientHandler.mu.Unlock()
}

func TestResetStreamDeliversOnReset(t *testing.T) {
	client, _, serverHandler, _, _ := dialPipe(t)

	clientHandler := newRecordingHandler()
	streamID, err := client.OpenStream(context.Background(), Headers{{Name: ":method", Value: "POST"}, {Name: ":path", Value: "/svc/M"}}, false, clientHandler)
	require.NoError(t, err)
	waitFor(t, serverHandler.headersCh)

	require.NoError(t, client.Reset(streamID, http2.ErrCodeCancel))
	waitFor(t, serverHandler.resetCh)
	serverHandler.mu.Lock()
	assert.Equal(t, http2.ErrCodeCancel, serverHandler.reset[0])
	serverHandler.mu.Unlock()
}

func TestCloseNotifiesOnClose(t *testing.T) {
	client, server, _, _, _ := dialPipe(t)
	_ = server

	closed := make(chan error, 1)
	client.OnClose(func(err error) { closed <- err })

	require.NoError(t, client.Close())
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose never fired")
	}
}

func TestLargeDataSpansMultipleFrames(t *testing.T) {
	client, _, serverHandler, _, _ := dialPipe(t)

	clientHandler := newRecordingHandler()
	streamID, err := client.OpenStream(context.Background(), Headers{{Name: ":method", Value: "POST"}, {Name: ":path", Value: "/svc/M"}}, false, clientHandler)
	require.NoError(t, err)
	waitFor(t, serverHandler.headersCh)

	payload := make([]byte, defaultMaxFrameLen*3+17)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, client.SendData(streamID, payload, true))

	var got []byte
	deadline := time.After(3 * time.Second)
	for len(got) < len(payload) {
		select {
		case <-serverHandler.dataCh:
			serverHandler.mu.Lock()
			got = append(got, serverHandler.data[len(serverHandler.data)-1]...)
			serverHandler.mu.Unlock()
		case <-deadline:
			t.Fatalf("timed out, got %d of %d bytes", len(got), len(payload))
		}
	}
	assert.Equal(t, payload, got)
}
