package tether

// pubserver.go: the master's publish fanout.
//
// Minions connect to the publish port and announce themselves
// with a clear {id, tok} load; the token must prove an accepted
// key, or the connection is cut. Announced subscribers then
// receive sealed broadcast frames. Publish seals and encodes a
// load exactly once and fans the same bytes out to every
// matching subscriber; a subscriber whose send fails is pruned
// on the spot rather than stalling the rest.
//
// A second, loopback-only listener accepts "pull" traffic:
// co-located producers (a job dispatcher, a cli) hand loads to
// the fanout without holding master keys themselves:
//
//	{payload: <load>, topic_lst: [ids...]}

import (
	"net"
	"sync"

	"github.com/glycerine/idem"
)

// PresenceFunc hears subscriber arrivals and departures.
type PresenceFunc func(id string, present bool)

type subscriber struct {
	tr *Transport
	id string
}

type PubServer struct {
	cfg  *Config
	auth *Authority
	halt *idem.Halter

	mut      sync.Mutex
	lsn      net.Listener
	pullLsn  net.Listener
	subs     map[*Transport]*subscriber
	pulls    map[*Transport]bool
	presence PresenceFunc
}

func NewPubServer(cfg *Config, auth *Authority) *PubServer {
	return &PubServer{
		cfg:   cfg,
		auth:  auth,
		halt:  idem.NewHalter(),
		subs:  make(map[*Transport]*subscriber),
		pulls: make(map[*Transport]bool),
	}
}

// OnPresence registers the presence callback; set before Start.
func (s *PubServer) OnPresence(cb PresenceFunc) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.presence = cb
}

// Start binds the publish port and, when configured, the pull
// endpoint.
func (s *PubServer) Start() error {
	lsn, err := net.Listen("tcp", s.cfg.bindAddr(s.cfg.PublishPort))
	if err != nil {
		return &ConnectionError{Op: "listen", Addr: s.cfg.bindAddr(s.cfg.PublishPort), Err: err}
	}
	s.mut.Lock()
	s.lsn = lsn
	s.mut.Unlock()
	vv("publish server listening on %v", lsn.Addr())
	go s.acceptLoop(lsn)

	if s.cfg.PullNetwork != "" {
		pull, err := net.Listen(s.cfg.PullNetwork, s.cfg.PullAddr)
		if err != nil {
			lsn.Close()
			return &ConnectionError{Op: "listen", Addr: s.cfg.PullAddr, Err: err}
		}
		s.mut.Lock()
		s.pullLsn = pull
		s.mut.Unlock()
		vv("pull endpoint listening on %v", pull.Addr())
		go s.pullLoop(pull)
	}
	return nil
}

// Addr reports the bound publish address.
func (s *PubServer) Addr() net.Addr {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.lsn == nil {
		return nil
	}
	return s.lsn.Addr()
}

// PullAddr reports the bound pull address, or nil.
func (s *PubServer) PullAddr() net.Addr {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.pullLsn == nil {
		return nil
	}
	return s.pullLsn.Addr()
}

// SubscriberIDs lists the announced subscribers.
func (s *PubServer) SubscriberIDs() (ids []string) {
	s.mut.Lock()
	defer s.mut.Unlock()
	for _, sub := range s.subs {
		if sub.id != "" {
			ids = append(ids, sub.id)
		}
	}
	return
}

func (s *PubServer) Close() {
	s.halt.ReqStop.Close()
	s.mut.Lock()
	lsn, pull := s.lsn, s.pullLsn
	trs := make([]*Transport, 0, len(s.subs)+len(s.pulls))
	for tr := range s.subs {
		trs = append(trs, tr)
	}
	for tr := range s.pulls {
		trs = append(trs, tr)
	}
	s.mut.Unlock()
	if lsn != nil {
		lsn.Close()
	}
	if pull != nil {
		pull.Close()
	}
	for _, tr := range trs {
		tr.Close()
	}
	s.halt.Done.Close()
}

func (s *PubServer) acceptLoop(lsn net.Listener) {
	for {
		conn, err := lsn.Accept()
		if err != nil {
			select {
			case <-s.halt.ReqStop.Chan:
				return
			default:
			}
			alwaysPrintf("publish accept error: %v", err)
			return
		}
		tr := NewConnTransport(s.cfg, conn)
		s.mut.Lock()
		s.subs[tr] = &subscriber{tr: tr}
		s.mut.Unlock()
		tr.OnDisconnect(func(err error) {
			s.forget(tr)
		})
		tr.OnRecv(func(fr *Frame) {
			s.announce(tr, fr)
		})
		tr.Start()
	}
}

// announce validates the first frame on a publish connection.
// Everything a subscriber sends after announcing is ignored;
// the publish stream is one-way.
func (s *PubServer) announce(tr *Transport, fr *Frame) {
	s.mut.Lock()
	sub := s.subs[tr]
	s.mut.Unlock()
	if sub == nil || sub.id != "" {
		return
	}
	env, ok := fr.BodyLoad()
	if !ok {
		vv("cutting publish conn %v: announce was not a map", tr.Addr())
		s.cut(tr)
		return
	}
	ld, ok := env["load"].(Load)
	if !ok {
		if m, mok := env["load"].(map[string]interface{}); mok {
			ld = Load(m)
		} else {
			s.cut(tr)
			return
		}
	}
	id, _ := ld.GetString("id")
	tok, _ := ld.GetBytes("tok")
	sigAlgo, _ := ld.GetString("sig_algo")
	if id == "" || tok == nil {
		vv("cutting publish conn %v: announce missing id or tok", tr.Addr())
		s.cut(tr)
		return
	}
	if err := s.auth.VerifyToken(id, tok, sigAlgo); err != nil {
		alwaysPrintf("cutting publish conn %v: bad announce token for '%v': %v", tr.Addr(), id, err)
		s.cut(tr)
		return
	}
	s.mut.Lock()
	sub.id = id
	cb := s.presence
	s.mut.Unlock()
	vv("subscriber '%v' announced from %v", id, tr.Addr())
	if cb != nil {
		cb(id, true)
	}
}

// cut drops an unwelcome connection without a presence event.
func (s *PubServer) cut(tr *Transport) {
	s.mut.Lock()
	delete(s.subs, tr)
	s.mut.Unlock()
	tr.Close()
}

// forget removes a departed subscriber and fires presence.
func (s *PubServer) forget(tr *Transport) {
	s.mut.Lock()
	sub := s.subs[tr]
	delete(s.subs, tr)
	cb := s.presence
	s.mut.Unlock()
	if sub != nil && sub.id != "" {
		vv("subscriber '%v' departed", sub.id)
		if cb != nil {
			cb(sub.id, false)
		}
	}
}

// Publish seals ld under the session key and fans it out. With
// no targets every announced subscriber receives it; otherwise
// only the named ids do. One subscriber's failure never blocks
// another's delivery: the failed one is closed and pruned.
func (s *PubServer) Publish(ld Load, targets ...string) error {
	if _, ok := ld["jid"]; !ok {
		ld = ld.Clone()
		ld["jid"] = NewJid()
	}
	outer, err := s.auth.SealPublish(ld, "")
	if err != nil {
		return err
	}
	frameBytes, err := EncodeFrame(outer, nil)
	if err != nil {
		return err
	}

	var want map[string]bool
	if len(targets) > 0 {
		want = make(map[string]bool, len(targets))
		for _, t := range targets {
			want[t] = true
		}
	}

	s.mut.Lock()
	dests := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.id == "" {
			continue
		}
		if want != nil && !want[sub.id] {
			continue
		}
		dests = append(dests, sub)
	}
	s.mut.Unlock()

	for _, sub := range dests {
		if serr := sub.tr.SendFrame(frameBytes); serr != nil {
			alwaysPrintf("pruning subscriber '%v': %v", sub.id, serr)
			s.forget(sub.tr)
			sub.tr.Close()
		}
	}
	return nil
}

// pullLoop republishes loads handed in on the pull endpoint.
func (s *PubServer) pullLoop(lsn net.Listener) {
	for {
		conn, err := lsn.Accept()
		if err != nil {
			select {
			case <-s.halt.ReqStop.Chan:
				return
			default:
			}
			alwaysPrintf("pull accept error: %v", err)
			return
		}
		tr := NewConnTransport(s.cfg, conn)
		s.mut.Lock()
		s.pulls[tr] = true
		s.mut.Unlock()
		tr.OnDisconnect(func(err error) {
			s.mut.Lock()
			delete(s.pulls, tr)
			s.mut.Unlock()
		})
		tr.OnRecv(func(fr *Frame) {
			body, ok := fr.BodyLoad()
			if !ok {
				vv("ignoring non-map pull frame from %v", tr.Addr())
				return
			}
			payload, ok := body["payload"].(Load)
			if !ok {
				if m, mok := body["payload"].(map[string]interface{}); mok {
					payload = Load(m)
				} else {
					vv("ignoring pull frame without payload from %v", tr.Addr())
					return
				}
			}
			var topics []string
			if raw, ok := body["topic_lst"].([]interface{}); ok {
				for _, t := range raw {
					if ts, ok := t.(string); ok {
						topics = append(topics, ts)
					}
				}
			}
			if err := s.Publish(payload, topics...); err != nil {
				alwaysPrintf("pull republish failed: %v", err)
			}
		})
		tr.Start()
	}
}

// PullPublisher is the producer side of the pull endpoint.
type PullPublisher struct {
	tr *Transport
}

// NewPullPublisher connects to the master's pull endpoint.
func NewPullPublisher(cfg *Config) (*PullPublisher, error) {
	tr := NewTransport(cfg, cfg.PullNetwork, cfg.PullAddr)
	if err := tr.Connect(); err != nil {
		return nil, err
	}
	return &PullPublisher{tr: tr}, nil
}

// Publish hands one load to the fanout, optionally targeted.
func (p *PullPublisher) Publish(ld Load, targets ...string) error {
	body := Load{"payload": ld}
	if len(targets) > 0 {
		body["topic_lst"] = targets
	}
	return p.tr.Send(body, nil)
}

func (p *PullPublisher) Close() {
	p.tr.Close()
}
