package tether

// transport.go: one stream connection carrying Frames.
//
// A Transport owns a single tcp or unix-socket connection at a
// time. Writes are caller-driven; reads are pumped by an
// internal goroutine that feeds a FrameScanner and delivers
// complete Frames to the registered callback, one at a time and
// in arrival order. Losing the connection fires the disconnect
// callback exactly once per established connection; a local
// Close does not count as a loss. Connect may be called again
// after a loss, which is how the publish client rides through
// master restarts.

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/glycerine/idem"
)

var errNotConnected = fmt.Errorf("transport not connected")

type Transport struct {
	cfg     *Config
	network string
	addr    string

	halt *idem.Halter

	mut       sync.Mutex
	conn      net.Conn
	connected bool
	dialing   bool
	closed    bool

	onRecv       func(fr *Frame)
	onDisconnect func(err error)

	// serializes writers so interleaved SendFrame calls
	// cannot shear each other's bytes.
	sendMut sync.Mutex
}

// NewTransport prepares a transport for addr on network ("tcp"
// or "unix"). Nothing touches the wire until Connect.
func NewTransport(cfg *Config, network, addr string) *Transport {
	return &Transport{
		cfg:     cfg,
		network: network,
		addr:    addr,
		halt:    idem.NewHalter(),
	}
}

// NewConnTransport adopts an already-accepted conn, as the
// server side does for each inbound client.
func NewConnTransport(cfg *Config, conn net.Conn) *Transport {
	t := &Transport{
		cfg:     cfg,
		network: conn.RemoteAddr().Network(),
		addr:    conn.RemoteAddr().String(),
		halt:    idem.NewHalter(),
	}
	t.conn = conn
	t.connected = true
	return t
}

// OnRecv registers the single frame callback. Must be set
// before Connect (or Start, for adopted conns).
func (t *Transport) OnRecv(cb func(fr *Frame)) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.onRecv = cb
}

// OnDisconnect registers the connection-loss callback.
func (t *Transport) OnDisconnect(cb func(err error)) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.onDisconnect = cb
}

// Addr reports the remote address string.
func (t *Transport) Addr() string {
	return t.addr
}

// IsConnected reports whether a live connection is up.
func (t *Transport) IsConnected() bool {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.connected
}

// Connect dials and starts the read pump. Idempotent while
// connected; redialing after a loss is allowed. Returns
// ErrShutdown after Close.
func (t *Transport) Connect() error {
	t.mut.Lock()
	for t.dialing {
		// another caller owns the dial; wait out its verdict
		// rather than racing it with a second connection.
		t.mut.Unlock()
		time.Sleep(5 * time.Millisecond)
		t.mut.Lock()
	}
	if t.closed {
		t.mut.Unlock()
		return ErrShutdown
	}
	if t.connected {
		t.mut.Unlock()
		return nil
	}
	t.dialing = true
	t.mut.Unlock()

	timeout := t.cfg.ConnectTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	conn, err := net.DialTimeout(t.network, t.addr, timeout)
	if err != nil {
		t.mut.Lock()
		t.dialing = false
		t.mut.Unlock()
		return &ConnectionError{Op: "dial", Addr: t.addr, Err: err}
	}

	t.mut.Lock()
	t.dialing = false
	if t.closed {
		t.mut.Unlock()
		conn.Close()
		return ErrShutdown
	}
	t.conn = conn
	t.connected = true
	t.mut.Unlock()

	t.Start()
	return nil
}

// Start launches the read pump for the current connection.
// Connect calls this itself; only adopted-conn users (the
// server accept loops) call it directly, after OnRecv.
func (t *Transport) Start() {
	t.mut.Lock()
	conn := t.conn
	t.mut.Unlock()
	if conn == nil {
		return
	}
	once := &sync.Once{}
	go t.readLoop(conn, once)
}

// SendFrame writes pre-encoded frame bytes, whole or not at
// all from the caller's view; a partial write tears the
// connection down.
func (t *Transport) SendFrame(frameBytes []byte) error {
	t.mut.Lock()
	conn := t.conn
	up := t.connected
	t.mut.Unlock()
	if !up || conn == nil {
		return &ConnectionError{Op: "send", Addr: t.addr, Err: errNotConnected}
	}

	t.sendMut.Lock()
	defer t.sendMut.Unlock()

	if t.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	nw := 0
	for nw < len(frameBytes) {
		n, err := conn.Write(frameBytes[nw:])
		nw += n
		if err != nil {
			cerr := &ConnectionError{Op: "send", Addr: t.addr, Err: err}
			t.drop(conn)
			return cerr
		}
	}
	return nil
}

// Send encodes and writes one frame.
func (t *Transport) Send(body interface{}, head Load) error {
	by, err := EncodeFrame(body, head)
	if err != nil {
		return err
	}
	return t.SendFrame(by)
}

// Close shuts the transport for good: the read pump stops, the
// connection closes, and all further ops get ErrShutdown. The
// disconnect callback does not fire for a local Close.
func (t *Transport) Close() error {
	t.mut.Lock()
	if t.closed {
		t.mut.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.connected = false
	t.mut.Unlock()

	t.halt.ReqStop.Close()
	if conn != nil {
		conn.Close()
	}
	return nil
}

// drop forgets conn if it is still current, without marking
// the whole transport closed.
func (t *Transport) drop(conn net.Conn) {
	t.mut.Lock()
	if t.conn == conn {
		t.conn = nil
		t.connected = false
	}
	t.mut.Unlock()
	conn.Close()
}

// lost runs the disconnect callback at most once per
// connection.
func (t *Transport) lost(conn net.Conn, once *sync.Once, err error) {
	t.drop(conn)
	t.mut.Lock()
	cb := t.onDisconnect
	closed := t.closed
	t.mut.Unlock()
	once.Do(func() {
		if cb != nil && !closed {
			cb(err)
		}
	})
}

// readLoop pumps conn into the scanner. Short read deadlines
// let us poll halt.ReqStop without a dedicated closer
// goroutine, the same shape as every other read loop here.
func (t *Transport) readLoop(conn net.Conn, once *sync.Once) {
	defer t.halt.Done.Close()

	scanner := NewFrameScanner()
	bufSize := t.cfg.RecvBufSize
	if bufSize <= 0 {
		bufSize = 4096
	}
	buf := make([]byte, bufSize)
	for {
		select {
		case <-t.halt.ReqStop.Chan:
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := conn.Read(buf)
		if n > 0 {
			scanner.Feed(buf[:n])
			for {
				fr, ferr := scanner.Next()
				if ferr != nil {
					// stream is garbage from here on; kill it.
					alwaysPrintf("dropping conn from %v: %v", t.addr, ferr)
					t.lost(conn, once, ferr)
					return
				}
				if fr == nil {
					break
				}
				t.mut.Lock()
				cb := t.onRecv
				t.mut.Unlock()
				if cb != nil {
					cb(fr)
				}
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.mut.Lock()
			closed := t.closed
			t.mut.Unlock()
			if closed {
				return
			}
			t.lost(conn, once, &ConnectionError{Op: "read", Addr: t.addr, Err: err})
			return
		}
	}
}
