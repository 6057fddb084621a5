package bridgetest

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/renbou/wsbridge/wsframe"
)

const frameWaitTimeout = 5 * time.Second

// FrameServer is a scripted WebSocket channel server, whose connections are driven frame-by-frame by the test.
type FrameServer struct {
	Server *httptest.Server

	upgrader websocket.Upgrader
	peers    chan *FramePeer

	mu       sync.Mutex
	accepted []*FramePeer
}

// NewFrameServer starts a new FrameServer which is closed along with all of its connections during test cleanup.
func NewFrameServer(tb testing.TB) *FrameServer {
	s := &FrameServer{
		upgrader: websocket.Upgrader{Subprotocols: []string{wsframe.Subprotocol}},
		peers:    make(chan *FramePeer, 16),
	}

	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))

	tb.Cleanup(func() {
		s.Server.Close()

		s.mu.Lock()
		defer s.mu.Unlock()

		for _, p := range s.accepted {
			p.Drop()
			<-p.done
		}
	})

	return s
}

// URL returns the http:// URL of the server.
func (s *FrameServer) URL() string {
	return s.Server.URL
}

// Connections returns the number of connections accepted so far.
func (s *FrameServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.accepted)
}

func (s *FrameServer) serveHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := &FramePeer{
		conn:   conn,
		Header: r.Header.Clone(),
		frames: make(chan *wsframe.Frame, 256),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
	}

	s.mu.Lock()
	s.accepted = append(s.accepted, p)
	s.mu.Unlock()

	go p.readLoop()
	s.peers <- p
}

// Accept waits for the next client connection.
func (s *FrameServer) Accept(tb testing.TB) *FramePeer {
	tb.Helper()

	select {
	case p := <-s.peers:
		return p
	case <-time.After(frameWaitTimeout):
		tb.Fatalf("FrameServer.Accept() timed out waiting for a connection")
		return nil
	}
}

// ExpectNoConnection checks that no new connection is accepted during the specified duration.
func (s *FrameServer) ExpectNoConnection(tb testing.TB, d time.Duration) {
	tb.Helper()

	select {
	case <-s.peers:
		tb.Fatalf("FrameServer accepted an unexpected connection")
	case <-time.After(d):
	}
}

// FramePeer is the server side of a single channel connection.
type FramePeer struct {
	// Header contains the headers of the handshake request.
	Header http.Header

	conn    *websocket.Conn
	frames  chan *wsframe.Frame
	done    chan struct{}
	quit    chan struct{}
	once    sync.Once
	readErr error
	writeMu sync.Mutex
}

func (p *FramePeer) readLoop() {
	defer close(p.done)
	defer close(p.frames)

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			p.readErr = err
			return
		}

		f, err := wsframe.Decode(data)
		if err != nil {
			p.readErr = err
			return
		}

		select {
		case p.frames <- f:
		case <-p.quit:
			return
		}
	}
}

// ReadFrame waits for the next frame sent by the client.
func (p *FramePeer) ReadFrame(tb testing.TB) *wsframe.Frame {
	tb.Helper()

	select {
	case f, ok := <-p.frames:
		if !ok {
			tb.Fatalf("FramePeer.ReadFrame() failed, connection closed: %s", p.readErr)
		}

		return f
	case <-time.After(frameWaitTimeout):
		tb.Fatalf("FramePeer.ReadFrame() timed out waiting for a frame")
		return nil
	}
}

// ReadFrameSkipPings waits for the next frame sent by the client which isn't a ping.
func (p *FramePeer) ReadFrameSkipPings(tb testing.TB) *wsframe.Frame {
	tb.Helper()

	for {
		if f := p.ReadFrame(tb); f.Kind() != wsframe.KindPing {
			return f
		}
	}
}

// ExpectNoFrame checks that the client sends nothing during the specified duration.
func (p *FramePeer) ExpectNoFrame(tb testing.TB, d time.Duration) {
	tb.Helper()

	select {
	case f, ok := <-p.frames:
		if ok {
			tb.Fatalf("FramePeer received unexpected %s frame for stream %d", f.Kind(), f.StreamID)
		}
	case <-time.After(d):
	}
}

// WaitClosed waits for the client to close the connection, returning the error with which reading failed.
func (p *FramePeer) WaitClosed(tb testing.TB) error {
	tb.Helper()

	select {
	case <-p.done:
		return p.readErr
	case <-time.After(frameWaitTimeout):
		tb.Fatalf("FramePeer.WaitClosed() timed out waiting for the connection to close")
		return nil
	}
}

// WriteFrame sends a frame to the client.
func (p *FramePeer) WriteFrame(tb testing.TB, f *wsframe.Frame) {
	tb.Helper()

	data, err := wsframe.Encode(f)
	if err != nil {
		tb.Fatalf("wsframe.Encode(%s) returned non-nil error = %q", f.Kind(), err)
	}

	p.WriteRaw(tb, websocket.BinaryMessage, data)
}

// WriteRaw sends an arbitrary WebSocket message to the client.
func (p *FramePeer) WriteRaw(tb testing.TB, messageType int, data []byte) {
	tb.Helper()

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if err := p.conn.WriteMessage(messageType, data); err != nil {
		tb.Fatalf("FramePeer.WriteRaw() returned non-nil error = %q", err)
	}
}

// Close performs a clean close with the specified code.
func (p *FramePeer) Close(code int, text string) {
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	p.Drop()
}

// Drop abruptly closes the underlying connection without a close frame.
func (p *FramePeer) Drop() {
	p.once.Do(func() { close(p.quit) })
	_ = p.conn.Close()
}
