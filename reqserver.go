package tether

// reqserver.go: the master's request endpoint.
//
// One tcp listener, one Transport per accepted minion
// connection. Every frame is a request envelope and gets
// exactly one reply frame on the same connection, with the
// caller's mid header echoed back so a client can sanity-check
// pairing. Two envelope kinds arrive here:
//
//	enc "clear"  bootstrap traffic, notably {cmd:"_auth"}
//	enc "aes"    session-key sealed requests
//
// A sealed request that fails to open against the current
// session key gets the bare {enc:"aes"} reply, no "key" field.
// That is the rotation signal: the client re-handshakes and
// resends once.

import (
	"net"
	"sync"

	"github.com/glycerine/idem"
)

// RequestHandler serves one opened request load and returns
// the application reply value.
type RequestHandler func(id string, load Load) (ret interface{}, err error)

type ReqServer struct {
	cfg  *Config
	auth *Authority
	halt *idem.Halter

	mut     sync.Mutex
	lsn     net.Listener
	conns   map[*Transport]bool
	handler RequestHandler

	// clear commands other than _auth, by cmd name.
	clearHandlers map[string]RequestHandler
}

func NewReqServer(cfg *Config, auth *Authority) *ReqServer {
	return &ReqServer{
		cfg:           cfg,
		auth:          auth,
		halt:          idem.NewHalter(),
		conns:         make(map[*Transport]bool),
		clearHandlers: make(map[string]RequestHandler),
	}
}

// SetHandler installs the handler for sealed requests.
func (s *ReqServer) SetHandler(h RequestHandler) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.handler = h
}

// HandleClear installs a handler for a clear command name.
// The _auth command is always handled by the Authority.
func (s *ReqServer) HandleClear(cmd string, h RequestHandler) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.clearHandlers[cmd] = h
}

// Start binds the request port and begins accepting.
func (s *ReqServer) Start() error {
	lsn, err := net.Listen("tcp", s.cfg.bindAddr(s.cfg.ReqPort))
	if err != nil {
		return &ConnectionError{Op: "listen", Addr: s.cfg.bindAddr(s.cfg.ReqPort), Err: err}
	}
	s.mut.Lock()
	s.lsn = lsn
	s.mut.Unlock()
	vv("request server listening on %v", lsn.Addr())
	go s.acceptLoop(lsn)
	return nil
}

// Addr reports the bound listen address; handy when the config
// asked for port 0.
func (s *ReqServer) Addr() net.Addr {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.lsn == nil {
		return nil
	}
	return s.lsn.Addr()
}

func (s *ReqServer) Close() {
	s.halt.ReqStop.Close()
	s.mut.Lock()
	lsn := s.lsn
	conns := make([]*Transport, 0, len(s.conns))
	for tr := range s.conns {
		conns = append(conns, tr)
	}
	s.mut.Unlock()
	if lsn != nil {
		lsn.Close()
	}
	for _, tr := range conns {
		tr.Close()
	}
	s.halt.Done.Close()
}

func (s *ReqServer) acceptLoop(lsn net.Listener) {
	for {
		conn, err := lsn.Accept()
		if err != nil {
			select {
			case <-s.halt.ReqStop.Chan:
				return
			default:
			}
			alwaysPrintf("request accept error: %v", err)
			return
		}
		tr := NewConnTransport(s.cfg, conn)
		s.mut.Lock()
		s.conns[tr] = true
		s.mut.Unlock()
		tr.OnDisconnect(func(err error) {
			s.mut.Lock()
			delete(s.conns, tr)
			s.mut.Unlock()
		})
		tr.OnRecv(func(fr *Frame) {
			s.dispatch(tr, fr)
		})
		tr.Start()
	}
}

// dispatch serves one request frame and writes its reply.
func (s *ReqServer) dispatch(tr *Transport, fr *Frame) {
	env, ok := fr.BodyLoad()
	if !ok {
		alwaysPrintf("dropping non-map request body (%T) from %v", fr.Body, tr.Addr())
		return
	}
	head := Load{}
	if mid, ok := fr.Head.GetInt("mid"); ok {
		head["mid"] = mid
	}

	enc, _ := env.GetString("enc")
	var reply Load
	switch enc {
	case "clear":
		reply = s.serveClear(env)
	case "aes":
		reply = s.serveSealed(env)
	default:
		alwaysPrintf("dropping request with unknown enc '%v' from %v", enc, tr.Addr())
		return
	}
	if err := tr.Send(reply, head); err != nil {
		vv("could not send reply to %v: %v", tr.Addr(), err)
	}
}

func (s *ReqServer) serveClear(env Load) Load {
	ld, ok := env["load"].(Load)
	if !ok {
		if m, mok := env["load"].(map[string]interface{}); mok {
			ld = Load(m)
		} else {
			return Load{"ret": "error", "error": "clear envelope missing load"}
		}
	}
	cmd, _ := ld.GetString("cmd")
	if cmd == "_auth" {
		reply, err := s.auth.HandleSignIn(ld)
		if err != nil {
			alwaysPrintf("sign-in refused: %v", err)
			return Load{"ret": "error", "error": err.Error()}
		}
		return reply
	}
	s.mut.Lock()
	h := s.clearHandlers[cmd]
	s.mut.Unlock()
	if h == nil {
		return Load{"ret": "error", "error": "unknown command '" + cmd + "'"}
	}
	id, _ := ld.GetString("id")
	ret, err := h(id, ld)
	if err != nil {
		return Load{"ret": "error", "error": err.Error()}
	}
	return Load{"ret": ret}
}

func (s *ReqServer) serveSealed(env Load) Load {
	inner, err := s.auth.OpenRequest(env)
	if err != nil {
		if isAuthError(err) {
			// wrong or rotated session key: the keyless reply
			// tells the sender to re-handshake and resend.
			vv("sealed request failed to open: %v", err)
			return Load{"enc": "aes"}
		}
		return Load{"enc": "aes"}
	}
	id, _ := inner.GetString("id")
	nonce, _ := inner.GetString("nonce")
	sigAlgo, _ := env.GetString("sig_algo")

	// the proof fields are ours, not the handler's.
	delete(inner, "tok")

	s.mut.Lock()
	h := s.handler
	s.mut.Unlock()

	var ret interface{}
	if h == nil {
		ret = Load{"error": "master has no request handler"}
	} else {
		ret, err = h(id, inner)
		if err != nil {
			ret = Load{"error": err.Error()}
		}
	}
	reply, err := s.auth.SealReply(ret, nonce, sigAlgo)
	if err != nil {
		alwaysPrintf("could not seal reply for '%v': %v", id, err)
		return Load{"enc": "aes"}
	}
	return reply
}
