package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned by a WebSocket transport after Close.
	ErrClosed = errors.New("transport: closed")
	// ErrSlowPeer is returned by Broadcast when a connection's send queue
	// was full and the connection was dropped.
	ErrSlowPeer = errors.New("transport: peer send queue full")
)

// writeTimeout bounds a single frame write.
const writeTimeout = 5 * time.Second

// wsConn is one remote peer. Only its write loop writes to conn.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte
}

// WebSocket exchanges binary frames with remote peers. Every frame read
// from any connection is handed to the receiver; Broadcast queues a frame
// on every open connection and never waits for the network.
type WebSocket struct {
	recv     Receiver
	opts     options
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*wsConn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewWebSocket creates a transport delivering inbound frames to recv.
func NewWebSocket(recv Receiver, opts ...Option) *WebSocket {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &WebSocket{
		recv: recv,
		opts: o,
		// Peers are not browsers; there is no origin to enforce.
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:    make(map[*wsConn]struct{}),
	}
}

// Handler upgrades inbound HTTP requests and reads frames until the
// connection closes.
func (w *WebSocket) Handler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := w.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			w.opts.logger.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		wc, err := w.add(conn)
		if err != nil {
			conn.Close()
			return
		}
		w.opts.logger.Info("peer connected", zap.String("remote", r.RemoteAddr))
		w.readLoop(wc)
	})
}

// Dial connects to a remote peer's handler.
func (w *WebSocket) Dial(ctx context.Context, url string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	wc, err := w.add(conn)
	if err != nil {
		conn.Close()
		return err
	}
	w.opts.logger.Info("connected to peer", zap.String("url", url))
	go w.readLoop(wc)
	return nil
}

// add registers conn and starts its write loop. The caller runs the read
// loop.
func (w *WebSocket) add(conn *websocket.Conn) (*wsConn, error) {
	conn.SetReadLimit(w.opts.readLimit)
	wc := &wsConn{conn: conn, send: make(chan []byte, w.opts.sendQueue)}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	w.conns[wc] = struct{}{}
	w.wg.Add(2)
	go w.writeLoop(wc)
	return wc, nil
}

// drop unregisters wc and closes its queue. The write loop flushes what
// is queued and then closes the connection. Dropping twice is a no-op.
func (w *WebSocket) drop(wc *wsConn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dropLocked(wc)
}

func (w *WebSocket) dropLocked(wc *wsConn) {
	if _, ok := w.conns[wc]; !ok {
		return
	}
	delete(w.conns, wc)
	close(wc.send)
}

func (w *WebSocket) readLoop(wc *wsConn) {
	defer w.wg.Done()
	defer w.drop(wc)

	for {
		kind, data, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.opts.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if !w.recv.Deliver(data) {
			w.opts.logger.Debug("delivery refused")
		}
	}
}

func (w *WebSocket) writeLoop(wc *wsConn) {
	defer w.wg.Done()
	defer wc.conn.Close()

	for data := range wc.send {
		wc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := wc.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			w.opts.logger.Warn("websocket write failed", zap.Error(err))
			w.drop(wc)
			for range wc.send {
			}
			return
		}
	}
	wc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// Broadcast queues data on every open connection. A connection whose
// queue is full is dropped and reported as ErrSlowPeer; the others still
// get the frame.
func (w *WebSocket) Broadcast(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame := append([]byte(nil), data...)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	slow := 0
	for wc := range w.conns {
		select {
		case wc.send <- frame:
		default:
			w.dropLocked(wc)
			slow++
		}
	}
	if slow > 0 {
		w.opts.logger.Warn("dropped slow peers", zap.Int("count", slow))
		return fmt.Errorf("%w: dropped %d connection(s)", ErrSlowPeer, slow)
	}
	return nil
}

// Len returns the number of open connections.
func (w *WebSocket) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.conns)
}

// Close drops every connection and waits for their loops to finish.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for wc := range w.conns {
		w.dropLocked(wc)
	}
	w.mu.Unlock()

	w.wg.Wait()
	return nil
}
