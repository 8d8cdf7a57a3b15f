package tether

// reqchannel.go: the minion's request/reply channel.
//
// One connection to the master's request port, one request in
// flight at a time. SendLoad stamps the caller's load with the
// channel's proof fields (id, nonce, ts, tok), seals it under
// the session key, and runs the send/receive exchange with a
// bounded retry budget. Two recovery paths are distinct and
// deliberately not interchangeable:
//
//   - transport trouble (dial, write, reply timeout) burns one
//     of the configured tries and the exchange is resent;
//   - a keyless {enc:"aes"} reply or a reply that fails to
//     open means the master rotated the session key: we
//     re-handshake and resend, at most once per SendLoad, and
//     that round does not burn a try.
//
// Replies ride under a one-shot key sealed to the session key.
// A reply is accepted only when all of these hold: the one-shot
// key unseals, the master's signature covers the unsealed
// bytes, the inner nonce matches what we stamped, and the inner
// key echo matches the one-shot key. Anything less is an
// AuthenticationError, never silently tolerated.

import (
	"sync"
	"time"
)

type RequestChannel struct {
	cfg  *Config
	auth *AuthSession

	// reqMut serializes SendLoad callers end to end; the wire
	// protocol has no request multiplexing.
	reqMut sync.Mutex

	mut     sync.Mutex
	tr      *Transport
	replyCh chan *Frame
	closing bool
}

func NewRequestChannel(cfg *Config, auth *AuthSession) *RequestChannel {
	c := &RequestChannel{
		cfg:     cfg,
		auth:    auth,
		replyCh: make(chan *Frame, 1),
	}
	tr := NewTransport(cfg, "tcp", cfg.ReqAddr())
	tr.OnRecv(func(fr *Frame) {
		select {
		case c.replyCh <- fr:
		default:
			vv("dropping unsolicited frame from %v", tr.Addr())
		}
	})
	c.tr = tr
	return c
}

// Close is idempotent; in-flight exchanges fail with a
// ConnectionError as the transport goes down.
func (c *RequestChannel) Close() {
	c.mut.Lock()
	if c.closing {
		c.mut.Unlock()
		return
	}
	c.closing = true
	tr := c.tr
	c.mut.Unlock()
	tr.Close()
}

func (c *RequestChannel) isClosing() bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.closing
}

// SendClearLoad runs one unencrypted exchange, for bootstrap
// commands. timeout zero means the configured default.
func (c *RequestChannel) SendClearLoad(ld Load, timeout time.Duration) (interface{}, error) {
	c.reqMut.Lock()
	defer c.reqMut.Unlock()
	if c.isClosing() {
		return nil, ErrShutdown
	}
	env := Load{
		"enc":     "clear",
		"version": 3,
		"id":      c.cfg.ID,
		"load":    ld,
	}
	body, err := c.exchange(env, c.orDefaultTimeout(timeout))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}(body), nil
}

// SendLoad runs one sealed request to completion. timeout zero
// and tries zero take the configured defaults. The returned
// value is the master handler's reply.
func (c *RequestChannel) SendLoad(ld Load, timeout time.Duration, tries int) (interface{}, error) {
	c.reqMut.Lock()
	defer c.reqMut.Unlock()
	if c.isClosing() {
		return nil, ErrShutdown
	}
	timeout = c.orDefaultTimeout(timeout)
	if tries <= 0 {
		tries = c.cfg.RequestTries
		if tries <= 0 {
			tries = 1
		}
	}

	reauthed := false
	failed := 0
	var lastErr error
	for failed < tries {
		if c.isClosing() {
			return nil, ErrShutdown
		}
		creds, crypt, err := c.auth.Session()
		if err != nil {
			return nil, err
		}

		nonce := NewNonce()
		stamped, err := c.stamp(ld, nonce)
		if err != nil {
			return nil, err
		}
		sealed, err := crypt.DumpLoad(stamped, nonce)
		if err != nil {
			return nil, err
		}
		env := Load{
			"enc":      "aes",
			"version":  3,
			"id":       c.cfg.ID,
			"load":     sealed,
			"enc_algo": c.cfg.EncryptionAlgorithm,
			"sig_algo": c.cfg.SigningAlgorithm,
		}

		body, err := c.exchange(env, timeout)
		if err != nil {
			failed++
			lastErr = err
			vv("request attempt %v/%v failed: %v", failed, tries, err)
			continue
		}

		ret, err := c.openReply(body, crypt, creds, nonce)
		if err == nil {
			return ret, nil
		}
		if isAuthError(err) && !reauthed {
			// session key rotated under us: one fresh
			// handshake, one resend.
			vv("reply did not open ('%v'); re-authenticating once", err)
			reauthed = true
			c.auth.Invalidate()
			continue
		}
		return nil, err
	}
	if lastErr == nil {
		lastErr = &RequestTimeoutError{After: timeout, Attempts: failed}
	}
	return nil, lastErr
}

func (c *RequestChannel) orDefaultTimeout(timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	if c.cfg.RequestTimeout > 0 {
		return c.cfg.RequestTimeout
	}
	return 60 * time.Second
}

// stamp clones the caller's load and adds the proof fields.
// The caller's map is never mutated.
func (c *RequestChannel) stamp(ld Load, nonce string) (Load, error) {
	tok, err := c.auth.GenToken()
	if err != nil {
		return nil, err
	}
	stamped := ld.Clone()
	stamped["id"] = c.cfg.ID
	stamped["nonce"] = nonce
	stamped["ts"] = time.Now().UTC().UnixNano()
	stamped["tok"] = tok
	return stamped, nil
}

// exchange sends one envelope and waits for its reply frame,
// matching on the mid header. A mismatched mid is dropped and
// the wait continues; it is a stale reply from a timed-out
// predecessor.
func (c *RequestChannel) exchange(env Load, timeout time.Duration) (Load, error) {
	if err := c.tr.Connect(); err != nil {
		return nil, err
	}
	// drain any stale reply from a previous timed-out attempt.
	select {
	case <-c.replyCh:
	default:
	}

	mid := issueMid()
	if err := c.tr.Send(env, Load{"mid": mid}); err != nil {
		return nil, err
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case fr := <-c.replyCh:
			if got, ok := fr.Head.GetInt("mid"); ok && got != int64(mid) {
				vv("ignoring reply with stale mid %v (want %v)", got, mid)
				continue
			}
			body, ok := fr.BodyLoad()
			if !ok {
				return nil, &FramingError{Reason: "reply body was not a map"}
			}
			return body, nil
		case <-deadline.C:
			return nil, &RequestTimeoutError{After: timeout, Attempts: 1}
		}
	}
}

// openReply validates and unseals one reply envelope.
func (c *RequestChannel) openReply(body Load, sessionCrypt *Crypticle, creds *Creds, nonce string) (interface{}, error) {
	if enc, _ := body.GetString("enc"); enc != "aes" {
		return nil, authErrf("reply envelope enc '%v', expected 'aes'", enc)
	}
	keyBlob, ok := body.GetBytes("key")
	if !ok {
		// the rotation signal.
		return nil, authErrf("reply carried no reply key; session key rotated")
	}
	perKeyBytes, err := sessionCrypt.Decrypt(keyBlob)
	if err != nil {
		return nil, err
	}
	perKey := string(perKeyBytes)
	perCrypt, err := NewCrypticle(perKey, c.cfg.CipherAlgorithm, c.cfg.CompressionAlgo)
	if err != nil {
		return nil, err
	}
	sealed, ok := body.GetBytes("load")
	if !ok {
		return nil, authErrf("reply missing load")
	}
	inner, raw, err := perCrypt.LoadLoad(sealed, nonce)
	if err != nil {
		return nil, err
	}
	sig, ok := body.GetBytes("sig")
	if !ok {
		return nil, authErrf("reply missing signature")
	}
	if err = creds.MasterPub.Verify(raw, sig, c.cfg.SigningAlgorithm); err != nil {
		return nil, err
	}
	echoKey, _ := inner.GetString("key")
	if echoKey != perKey {
		return nil, authErrf("reply key echo mismatch")
	}
	echoNonce, _ := inner.GetString("nonce")
	if echoNonce != nonce {
		return nil, authErrf("reply nonce mismatch: possible replay")
	}
	return inner["ret"], nil
}
