package tether

// pubclient.go: the minion's subscription to the master's
// publish stream.
//
// Connect authenticates first (the publish port only talks to
// accepted keys), dials the publish port, and announces with a
// clear {id, tok} load. From then on the client is a one-way
// receiver: each sealed broadcast is opened with the session
// key and handed to the message callback in arrival order.
//
// Losing the connection starts an internal redial loop with
// jittered backoff; the caller hears about it through the
// disconnect and connect callbacks (the latter with
// reconnect=true), and typically answers a reconnect by firing
// a start event at the master so state can be resynced. A
// broadcast that fails to open costs one re-handshake and one
// more attempt; if it still will not open it is dropped with a
// log line, never delivered corrupt.

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glycerine/idem"
	"github.com/jpillora/backoff"
)

// MessageFunc hears each opened broadcast.
type MessageFunc func(ld Load)

// ConnectFunc hears (re)connections.
type ConnectFunc func(reconnect bool)

// DisconnectFunc hears connection losses.
type DisconnectFunc func(err error)

type PublishClient struct {
	cfg  *Config
	auth *AuthSession
	halt *idem.Halter

	mut          sync.Mutex
	tr           *Transport
	port         int
	closed       bool
	onMsg        MessageFunc
	onConnect    ConnectFunc
	onDisconnect DisconnectFunc
}

func NewPublishClient(cfg *Config, auth *AuthSession) *PublishClient {
	return &PublishClient{
		cfg:  cfg,
		auth: auth,
		halt: idem.NewHalter(),
	}
}

// OnMessage registers the broadcast callback; set before
// Connect.
func (p *PublishClient) OnMessage(cb MessageFunc) {
	p.mut.Lock()
	defer p.mut.Unlock()
	p.onMsg = cb
}

// OnConnect registers the (re)connection callback.
func (p *PublishClient) OnConnect(cb ConnectFunc) {
	p.mut.Lock()
	defer p.mut.Unlock()
	p.onConnect = cb
}

// OnDisconnect registers the loss callback.
func (p *PublishClient) OnDisconnect(cb DisconnectFunc) {
	p.mut.Lock()
	defer p.mut.Unlock()
	p.onDisconnect = cb
}

// Connect authenticates, dials, and announces, retrying with
// backoff. port zero means the port granted at sign-in. The
// attempt budget is TCPAuthRetries; negative retries forever.
// A rejected key is fatal, not retried.
func (p *PublishClient) Connect(port int) error {
	p.mut.Lock()
	if p.closed {
		p.mut.Unlock()
		return ErrShutdown
	}
	p.port = port
	p.mut.Unlock()

	boff := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	tries := p.cfg.TCPAuthRetries
	attempts := 0
	for {
		err := p.connectOnce()
		if err == nil {
			p.fireConnect(false)
			return nil
		}
		if errors.Is(err, ErrRejected) || errors.Is(err, ErrShutdown) {
			return err
		}
		attempts++
		if tries >= 0 && attempts >= maxInt(tries, 1) {
			return err
		}
		d := boff.Duration()
		vv("publish connect attempt %v failed ('%v'); retrying in %v", attempts, err, d)
		time.Sleep(d)
	}
}

// connectOnce is one authenticate+dial+announce pass.
func (p *PublishClient) connectOnce() error {
	p.mut.Lock()
	if p.closed {
		p.mut.Unlock()
		return ErrShutdown
	}
	p.mut.Unlock()

	if p.cfg.ForceAuth {
		p.auth.Invalidate()
	}
	creds, err := p.auth.Authenticate()
	if err != nil {
		return err
	}
	port := p.port
	if port == 0 {
		port = creds.PublishPort
	}

	tr := NewTransport(p.cfg, "tcp", p.cfg.PubAddr(port))
	tr.OnRecv(p.handleFrame)
	tr.OnDisconnect(p.handleLoss)
	if err = tr.Connect(); err != nil {
		tr.Close()
		// transient by definition: the master may simply not
		// be up yet.
		return fmt.Errorf("%w: %v", ErrRetryConnect, err)
	}

	tok, err := p.auth.GenToken()
	if err != nil {
		tr.Close()
		return err
	}
	announce := Load{
		"enc": "clear",
		"load": Load{
			"id":       p.cfg.ID,
			"tok":      tok,
			"sig_algo": p.cfg.SigningAlgorithm,
		},
	}
	if err = tr.Send(announce, nil); err != nil {
		tr.Close()
		return err
	}

	p.mut.Lock()
	if p.closed {
		p.mut.Unlock()
		tr.Close()
		return ErrShutdown
	}
	old := p.tr
	p.tr = tr
	p.mut.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (p *PublishClient) fireConnect(reconnect bool) {
	p.mut.Lock()
	cb := p.onConnect
	p.mut.Unlock()
	if cb != nil {
		cb(reconnect)
	}
}

// handleLoss reports the loss and starts redialing.
func (p *PublishClient) handleLoss(err error) {
	p.mut.Lock()
	closed := p.closed
	cb := p.onDisconnect
	p.mut.Unlock()
	if cb != nil {
		cb(err)
	}
	if closed {
		return
	}
	alwaysPrintf("publish stream lost ('%v'); reconnecting", err)
	go p.reconnectLoop()
}

func (p *PublishClient) reconnectLoop() {
	boff := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	for {
		select {
		case <-p.halt.ReqStop.Chan:
			return
		default:
		}
		err := p.connectOnce()
		if err == nil {
			vv("publish stream reconnected")
			p.fireConnect(true)
			return
		}
		if errors.Is(err, ErrShutdown) || errors.Is(err, ErrRejected) {
			return
		}
		// the master may have restarted with fresh session
		// state; present clean credentials next pass.
		if isAuthError(err) {
			p.auth.Invalidate()
		}
		d := boff.Duration()
		vv("publish reconnect failed ('%v'); next try in %v", err, d)
		select {
		case <-p.halt.ReqStop.Chan:
			return
		case <-time.After(d):
		}
	}
}

// handleFrame opens one sealed broadcast and delivers it.
func (p *PublishClient) handleFrame(fr *Frame) {
	body, ok := fr.BodyLoad()
	if !ok {
		vv("dropping non-map publish frame")
		return
	}
	if enc, _ := body.GetString("enc"); enc != "aes" {
		vv("dropping publish frame with enc '%v'", enc)
		return
	}
	sealed, ok := body.GetBytes("load")
	if !ok {
		vv("dropping publish frame without load")
		return
	}

	ld, raw, err := p.open(sealed)
	if err != nil {
		// one fresh handshake, one more attempt.
		if !isAuthError(err) {
			alwaysPrintf("dropping broadcast: %v", err)
			return
		}
		p.auth.Invalidate()
		if _, aerr := p.auth.Authenticate(); aerr != nil {
			alwaysPrintf("dropping broadcast; re-auth failed: %v", aerr)
			return
		}
		ld, raw, err = p.open(sealed)
		if err != nil {
			alwaysPrintf("dropping broadcast after re-auth: %v", err)
			return
		}
	}

	if sig, ok := body.GetBytes("sig"); ok {
		creds := p.auth.Creds()
		if creds == nil {
			alwaysPrintf("dropping signed broadcast: no credentials")
			return
		}
		if err = creds.MasterPub.Verify(raw, sig, p.cfg.SigningAlgorithm); err != nil {
			alwaysPrintf("dropping broadcast: %v", err)
			return
		}
	} else if p.cfg.SignPubMessages {
		alwaysPrintf("dropping unsigned broadcast; signatures required")
		return
	}

	p.mut.Lock()
	cb := p.onMsg
	p.mut.Unlock()
	if cb != nil {
		cb(ld)
	}
}

func (p *PublishClient) open(sealed []byte) (Load, []byte, error) {
	crypt := p.auth.Crypticle()
	if crypt == nil {
		return nil, nil, authErrf("no session key")
	}
	return crypt.LoadLoad(sealed, "")
}

// Close stops the client and any redialing for good.
func (p *PublishClient) Close() {
	p.mut.Lock()
	if p.closed {
		p.mut.Unlock()
		return
	}
	p.closed = true
	tr := p.tr
	p.tr = nil
	p.mut.Unlock()
	p.halt.ReqStop.Close()
	if tr != nil {
		tr.Close()
	}
	p.halt.Done.Close()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
