package tether

// auth.go: the minion side of the handshake.
//
// An AuthSession owns the minion's identity keys and the
// current session credentials. Authenticate is the only entry
// point: it returns cached credentials when we already hold
// some, and otherwise runs the sign-in exchange. Any number of
// goroutines may call it at once; they coalesce onto a single
// in-flight handshake and all receive its outcome, so a burst
// of requests after a key rotation costs one trip to the
// master, not one per caller.
//
// The sign-in itself is a clear-channel request:
//
//	{cmd:"_auth", id, nonce, pub, token, enc_algo, sig_algo}
//
// where token is our signature over our own id, provable
// against the pub we present. The master answers with the
// serialized grant and its signature over those exact bytes:
//
//	{load: <bytes>, sig: <bytes>}
//
// The grant carries ret ("accept", "pending" or "reject"), the
// master public key, the session key sealed to our public key,
// and our nonce echoed back. The master key is trust-on-first-
// use: the first contact persists it under the pki directory
// and every later sign-in must verify against that stored key.

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glycerine/loquet"
	"github.com/jpillora/backoff"
)

const masterPubBasename = "minion_master.pub"

// Creds is the product of a successful handshake.
type Creds struct {
	SessionKey  string
	MasterPub   *PublicKey
	PublishPort int
}

type authResult struct {
	creds *Creds
	err   error
}

type authInflight struct {
	res *authResult
	ch  *loquet.Chan[authResult]
}

// AuthSession manages authentication state for one minion
// identity. Safe for concurrent use.
type AuthSession struct {
	cfg  *Config
	priv *PrivateKey

	mut       sync.Mutex
	masterPub *PublicKey
	authed    bool
	creds     *Creds
	crypticle *Crypticle
	inflight  *authInflight
	closed    bool
}

// NewAuthSession loads (or generates) the minion keypair and
// any previously pinned master public key.
func NewAuthSession(cfg *Config) (*AuthSession, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("NewAuthSession: config needs an ID")
	}
	priv, err := LoadOrMakeKeys(cfg.PkiDir, "minion", cfg.KeyBits)
	if err != nil {
		return nil, err
	}
	s := &AuthSession{cfg: cfg, priv: priv}

	mpPath := filepath.Join(cfg.PkiDir, masterPubBasename)
	if fileExists(mpPath) {
		by, err := os.ReadFile(mpPath)
		if err != nil {
			return nil, fmt.Errorf("NewAuthSession: read '%v': %w", mpPath, err)
		}
		mp, err := ParsePublicKeyPEM(by)
		if err != nil {
			return nil, fmt.Errorf("NewAuthSession: pinned master key '%v' unparseable: %w", mpPath, err)
		}
		s.masterPub = mp
	}
	return s, nil
}

// Keys exposes the minion private key for the publish client's
// announce token.
func (s *AuthSession) Keys() *PrivateKey {
	return s.priv
}

// Authed reports whether we currently hold credentials.
func (s *AuthSession) Authed() bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.authed
}

// Creds returns the current credentials, or nil.
func (s *AuthSession) Creds() *Creds {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.creds
}

// Crypticle returns the session-key crypticle, or nil before
// the first successful handshake.
func (s *AuthSession) Crypticle() *Crypticle {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.crypticle
}

// Session returns credentials and the session-key crypticle
// together, handshaking if needed. Reading both under one lock
// matters when the session is shared: an Invalidate landing
// between Authenticate and Crypticle would otherwise hand the
// caller credentials with a nil crypticle.
func (s *AuthSession) Session() (*Creds, *Crypticle, error) {
	for {
		if _, err := s.Authenticate(); err != nil {
			return nil, nil, err
		}
		s.mut.Lock()
		if s.authed && s.crypticle != nil {
			creds, cr := s.creds, s.crypticle
			s.mut.Unlock()
			return creds, cr, nil
		}
		s.mut.Unlock()
		// invalidated out from under us; handshake again.
	}
}

// Invalidate discards credentials so the next Authenticate
// goes to the wire. Called when a decrypt fails against the
// session key, the canonical rotation signal.
func (s *AuthSession) Invalidate() {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.authed = false
	s.creds = nil
	s.crypticle = nil
}

// GenToken signs our own id; the master proves it against the
// public key it holds for us.
func (s *AuthSession) GenToken() ([]byte, error) {
	return s.priv.Sign([]byte(s.cfg.ID), s.cfg.SigningAlgorithm)
}

// Authenticate returns credentials, handshaking if needed.
// Concurrent callers share one wire exchange. Idempotent while
// credentials are held.
func (s *AuthSession) Authenticate() (*Creds, error) {
	s.mut.Lock()
	if s.closed {
		s.mut.Unlock()
		return nil, ErrShutdown
	}
	if s.authed {
		c := s.creds
		s.mut.Unlock()
		return c, nil
	}
	if fl := s.inflight; fl != nil {
		s.mut.Unlock()
		<-fl.ch.WhenClosed()
		return fl.res.creds, fl.res.err
	}
	fl := &authInflight{res: &authResult{}}
	fl.ch = loquet.NewChan(fl.res)
	s.inflight = fl
	s.mut.Unlock()

	creds, err := s.authenticate()

	s.mut.Lock()
	if err == nil {
		s.authed = true
		s.creds = creds
		cr, cerr := NewCrypticle(creds.SessionKey, s.cfg.CipherAlgorithm, s.cfg.CompressionAlgo)
		if cerr != nil {
			err = cerr
			s.authed = false
			s.creds = nil
		} else {
			// broadcasts arrive with monotone serials from the
			// master; reject anything replayed out of order.
			cr.ReplayGuard = true
			s.crypticle = cr
		}
	}
	s.inflight = nil
	s.mut.Unlock()

	fl.res.creds = creds
	fl.res.err = err
	fl.ch.Close()
	return creds, err
}

// Close stops future handshakes.
func (s *AuthSession) Close() {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.closed = true
}

// authenticate runs sign-in attempts until accepted or out of
// tries. A "pending" answer means a human has not approved our
// key yet: we wait, doubling up to the configured ceiling, and
// those waits do not consume tries. Transport failures do.
func (s *AuthSession) authenticate() (*Creds, error) {
	minWait := s.cfg.AcceptanceWait
	if minWait <= 0 {
		minWait = time.Second
	}
	pendWait := &backoff.Backoff{
		Min:    minWait,
		Max:    s.cfg.AcceptanceWaitMax,
		Factor: 2,
		Jitter: false,
	}
	if s.cfg.AcceptanceWaitMax <= minWait {
		pendWait.Max = minWait
	}
	redial := &backoff.Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	tries := s.cfg.AuthTries
	if tries <= 0 {
		tries = 1
	}
	failed := 0
	for {
		creds, status, err := s.signIn()
		if err != nil {
			failed++
			if failed >= tries {
				return nil, fmt.Errorf("authentication failed after %v tries: %w", failed, err)
			}
			d := redial.Duration()
			vv("sign-in attempt %v failed: '%v'; retrying in %v", failed, err, d)
			time.Sleep(d)
			continue
		}
		switch status {
		case "accept":
			vv("minion '%v' accepted by master; publish port %v", s.cfg.ID, creds.PublishPort)
			return creds, nil
		case "pending":
			if s.cfg.AcceptanceWait <= 0 {
				return nil, ErrPendingApproval
			}
			d := pendWait.Duration()
			alwaysPrintf("minion '%v' key is pending approval on the master; waiting %v", s.cfg.ID, d)
			time.Sleep(d)
			continue
		case "reject":
			if s.cfg.RejectedRetry {
				d := pendWait.Duration()
				alwaysPrintf("minion '%v' key rejected by master; retrying in %v", s.cfg.ID, d)
				time.Sleep(d)
				continue
			}
			return nil, ErrRejected
		default:
			return nil, authErrf("master answered with unknown status '%v'", status)
		}
	}
}

// signIn performs exactly one wire exchange on a fresh clear
// connection.
func (s *AuthSession) signIn() (creds *Creds, status string, err error) {
	tr := NewTransport(s.cfg, "tcp", s.cfg.ReqAddr())
	defer tr.Close()

	replyCh := make(chan *Frame, 1)
	tr.OnRecv(func(fr *Frame) {
		select {
		case replyCh <- fr:
		default:
		}
	})
	if err = tr.Connect(); err != nil {
		return nil, "", err
	}

	token, err := s.GenToken()
	if err != nil {
		return nil, "", err
	}
	nonce := NewNonce()
	mid := issueMid()
	env := Load{
		"enc":     "clear",
		"version": 3,
		"id":      s.cfg.ID,
		"load": Load{
			"cmd":      "_auth",
			"id":       s.cfg.ID,
			"nonce":    nonce,
			"pub":      string(s.priv.Public().PEM()),
			"token":    token,
			"enc_algo": s.cfg.EncryptionAlgorithm,
			"sig_algo": s.cfg.SigningAlgorithm,
		},
	}
	if err = tr.Send(env, Load{"mid": mid}); err != nil {
		return nil, "", err
	}

	timeout := s.cfg.RequestTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	select {
	case fr := <-replyCh:
		body, ok := fr.BodyLoad()
		if !ok {
			return nil, "", authErrf("sign-in reply body was %T, expected map", fr.Body)
		}
		return s.handleSignInReply(nonce, body)
	case <-time.After(timeout):
		return nil, "", &RequestTimeoutError{After: timeout, Attempts: 1}
	}
}

// handleSignInReply validates the master's answer: signature
// over the exact grant bytes, pinned-key match, nonce echo,
// then the sealed session key.
func (s *AuthSession) handleSignInReply(nonce string, body Load) (creds *Creds, status string, err error) {
	grantBytes, ok := body.GetBytes("load")
	if !ok {
		return nil, "", authErrf("sign-in reply missing grant")
	}
	sig, ok := body.GetBytes("sig")
	if !ok {
		return nil, "", authErrf("sign-in reply missing signature")
	}
	grant, err := decodeLoad(grantBytes)
	if err != nil {
		return nil, "", err
	}
	pubPEM, _ := grant.GetString("pub_key")

	s.mut.Lock()
	pinned := s.masterPub
	s.mut.Unlock()

	var masterPub *PublicKey
	if pinned != nil {
		if err = pinned.Verify(grantBytes, sig, s.cfg.SigningAlgorithm); err != nil {
			return nil, "", authErrf("grant signature does not match pinned master key; refusing: %v", err)
		}
		if pubPEM != "" {
			cand, perr := ParsePublicKeyPEM([]byte(pubPEM))
			if perr != nil {
				return nil, "", authErrf("grant carried unparseable master key: %v", perr)
			}
			if !pinned.Key.Equal(cand.Key) {
				return nil, "", authErrf("master public key changed; refusing")
			}
		}
		masterPub = pinned
	} else {
		// first contact: trust, verify self-consistency, pin.
		if pubPEM == "" {
			return nil, "", authErrf("first-contact grant carried no master key")
		}
		cand, perr := ParsePublicKeyPEM([]byte(pubPEM))
		if perr != nil {
			return nil, "", authErrf("grant carried unparseable master key: %v", perr)
		}
		if err = cand.Verify(grantBytes, sig, s.cfg.SigningAlgorithm); err != nil {
			return nil, "", err
		}
		mpPath := filepath.Join(s.cfg.PkiDir, masterPubBasename)
		if err = os.WriteFile(mpPath, []byte(pubPEM), 0644); err != nil {
			return nil, "", fmt.Errorf("could not pin master key to '%v': %w", mpPath, err)
		}
		vv("pinned master key %v at '%v'", cand.Fingerprint(), mpPath)
		s.mut.Lock()
		s.masterPub = cand
		s.mut.Unlock()
		masterPub = cand
	}

	status, _ = grant.GetString("ret")
	switch status {
	case "pending", "reject":
		return nil, status, nil
	case "accept":
	default:
		return nil, status, nil
	}

	echo, _ := grant.GetString("nonce")
	if echo != nonce {
		return nil, "", authErrf("grant nonce mismatch: possible replay")
	}
	sealedKey, ok := grant.GetBytes("aes")
	if !ok {
		return nil, "", authErrf("accepted grant missing session key")
	}
	keyBytes, err := s.priv.Decrypt(sealedKey, s.cfg.EncryptionAlgorithm)
	if err != nil {
		return nil, "", authErrf("could not unseal session key: %v", err)
	}
	publishPort, ok := grant.GetInt("publish_port")
	if !ok {
		publishPort = int64(DefaultPublishPort)
	}
	creds = &Creds{
		SessionKey:  string(keyBytes),
		MasterPub:   masterPub,
		PublishPort: int(publishPort),
	}
	return creds, "accept", nil
}
