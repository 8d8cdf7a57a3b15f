package tether

// authority.go: the master side of the handshake.
//
// The Authority owns the master keypair, the roster of minion
// public keys, and the shared session key. Every inbound
// sign-in lands in HandleSignIn; every sealed request and every
// outbound publish goes through the session Crypticle minted
// here. Rotating the session key is a single call; holders of
// the old key fail authentication on their next decrypt and
// come back through HandleSignIn on their own.

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// KeyDecision is the standing of a minion key on the master.
type KeyDecision int

const (
	KeyPending KeyDecision = iota
	KeyAccepted
	KeyRejected
)

func (d KeyDecision) String() string {
	switch d {
	case KeyAccepted:
		return "accept"
	case KeyRejected:
		return "reject"
	}
	return "pending"
}

// KeyPolicy decides the fate of a key the master has never
// seen before. Known keys keep their stored standing.
type KeyPolicy interface {
	Decide(id string, pub *PublicKey) KeyDecision
}

// AutoAcceptPolicy accepts every first-contact key. Fine on a
// closed network, reckless anywhere else.
type AutoAcceptPolicy struct{}

func (AutoAcceptPolicy) Decide(id string, pub *PublicKey) KeyDecision { return KeyAccepted }

// PendingPolicy parks every new key for operator approval.
// This is the default.
type PendingPolicy struct{}

func (PendingPolicy) Decide(id string, pub *PublicKey) KeyDecision { return KeyPending }

// KeyStore persists minion public keys and their standing.
type KeyStore interface {
	Get(id string) (pem []byte, state KeyDecision, ok bool)
	Put(id string, pem []byte, state KeyDecision) error
	SetState(id string, state KeyDecision) error
	Delete(id string) error
	List(state KeyDecision) (ids []string)
}

// MemoryKeyStore keeps the roster in RAM; the test harnesses
// use it, and so can an ephemeral master.
type MemoryKeyStore struct {
	mut  sync.Mutex
	keys map[string]*storedKey
}

type storedKey struct {
	pem   []byte
	state KeyDecision
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]*storedKey)}
}

func (m *MemoryKeyStore) Get(id string) (pem []byte, state KeyDecision, ok bool) {
	m.mut.Lock()
	defer m.mut.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return nil, KeyPending, false
	}
	return k.pem, k.state, true
}

func (m *MemoryKeyStore) Put(id string, pem []byte, state KeyDecision) error {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.keys[id] = &storedKey{pem: pem, state: state}
	return nil
}

func (m *MemoryKeyStore) SetState(id string, state KeyDecision) error {
	m.mut.Lock()
	defer m.mut.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return fmt.Errorf("no key stored for '%v'", id)
	}
	k.state = state
	return nil
}

func (m *MemoryKeyStore) Delete(id string) error {
	m.mut.Lock()
	defer m.mut.Unlock()
	delete(m.keys, id)
	return nil
}

func (m *MemoryKeyStore) List(state KeyDecision) (ids []string) {
	m.mut.Lock()
	defer m.mut.Unlock()
	for id, k := range m.keys {
		if k.state == state {
			ids = append(ids, id)
		}
	}
	return
}

// FileKeyStore is the durable roster: one PEM file per minion
// id, under accepted/, pending/, rejected/ in the pki dir.
// Moving a file between these directories (by hand or by the
// admin ops here) is the approval workflow.
type FileKeyStore struct {
	mut  sync.Mutex
	root string
}

func stateDir(state KeyDecision) string {
	switch state {
	case KeyAccepted:
		return "accepted"
	case KeyRejected:
		return "rejected"
	}
	return "pending"
}

func NewFileKeyStore(pkiDir string) (*FileKeyStore, error) {
	root := filepath.Join(pkiDir, "keys")
	for _, d := range []KeyDecision{KeyAccepted, KeyPending, KeyRejected} {
		if err := os.MkdirAll(filepath.Join(root, stateDir(d)), 0700); err != nil {
			return nil, fmt.Errorf("NewFileKeyStore: %w", err)
		}
	}
	return &FileKeyStore{root: root}, nil
}

func (f *FileKeyStore) path(id string, state KeyDecision) string {
	return filepath.Join(f.root, stateDir(state), id)
}

func (f *FileKeyStore) Get(id string) (pem []byte, state KeyDecision, ok bool) {
	f.mut.Lock()
	defer f.mut.Unlock()
	for _, st := range []KeyDecision{KeyAccepted, KeyPending, KeyRejected} {
		by, err := os.ReadFile(f.path(id, st))
		if err == nil {
			return by, st, true
		}
	}
	return nil, KeyPending, false
}

func (f *FileKeyStore) Put(id string, pem []byte, state KeyDecision) error {
	f.mut.Lock()
	defer f.mut.Unlock()
	f.removeLocked(id)
	return os.WriteFile(f.path(id, state), pem, 0644)
}

func (f *FileKeyStore) SetState(id string, state KeyDecision) error {
	f.mut.Lock()
	defer f.mut.Unlock()
	for _, st := range []KeyDecision{KeyAccepted, KeyPending, KeyRejected} {
		if st == state {
			continue
		}
		old := f.path(id, st)
		if fileExists(old) {
			return os.Rename(old, f.path(id, state))
		}
	}
	if fileExists(f.path(id, state)) {
		return nil
	}
	return fmt.Errorf("no key stored for '%v'", id)
}

func (f *FileKeyStore) Delete(id string) error {
	f.mut.Lock()
	defer f.mut.Unlock()
	f.removeLocked(id)
	return nil
}

func (f *FileKeyStore) removeLocked(id string) {
	for _, st := range []KeyDecision{KeyAccepted, KeyPending, KeyRejected} {
		os.Remove(f.path(id, st))
	}
}

func (f *FileKeyStore) List(state KeyDecision) (ids []string) {
	f.mut.Lock()
	defer f.mut.Unlock()
	ents, err := os.ReadDir(filepath.Join(f.root, stateDir(state)))
	if err != nil {
		return nil
	}
	for _, e := range ents {
		if !e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return
}

// Authority is the master's credential engine.
type Authority struct {
	cfg    *Config
	priv   *PrivateKey
	store  KeyStore
	policy KeyPolicy

	mut        sync.Mutex
	sessionKey string
	crypticle  *Crypticle
}

// NewAuthority loads (or generates) the master keypair and
// mints the first session key. A nil store gets a FileKeyStore
// under the pki dir; a nil policy gets PendingPolicy.
func NewAuthority(cfg *Config, store KeyStore, policy KeyPolicy) (*Authority, error) {
	priv, err := LoadOrMakeKeys(cfg.PkiDir, "master", cfg.KeyBits)
	if err != nil {
		return nil, err
	}
	if store == nil {
		store, err = NewFileKeyStore(cfg.PkiDir)
		if err != nil {
			return nil, err
		}
	}
	if policy == nil {
		policy = PendingPolicy{}
	}
	a := &Authority{cfg: cfg, priv: priv, store: store, policy: policy}
	if err = a.RotateSessionKey(); err != nil {
		return nil, err
	}
	return a, nil
}

// Keys exposes the master keypair for publish signing.
func (a *Authority) Keys() *PrivateKey {
	return a.priv
}

// Store exposes the key roster for admin tooling.
func (a *Authority) Store() KeyStore {
	return a.store
}

// SessionCrypticle returns the crypticle for the current
// session key.
func (a *Authority) SessionCrypticle() *Crypticle {
	a.mut.Lock()
	defer a.mut.Unlock()
	return a.crypticle
}

// RotateSessionKey mints and installs a fresh session key.
// Minions holding the old key discover the rotation on their
// next exchange and re-handshake.
func (a *Authority) RotateSessionKey() error {
	key := GenerateKeyString(a.cfg.AESKeySize, a.cfg.CipherAlgorithm)
	cr, err := NewCrypticle(key, a.cfg.CipherAlgorithm, a.cfg.CompressionAlgo)
	if err != nil {
		return err
	}
	a.mut.Lock()
	a.sessionKey = key
	a.crypticle = cr
	a.mut.Unlock()
	return nil
}

// Accept, Reject, Delete are the operator's key-approval verbs.
func (a *Authority) Accept(id string) error { return a.store.SetState(id, KeyAccepted) }
func (a *Authority) Reject(id string) error { return a.store.SetState(id, KeyRejected) }
func (a *Authority) Delete(id string) error { return a.store.Delete(id) }

// HandleSignIn answers one {cmd:"_auth"} load with the signed
// grant envelope {load, sig}. Unknown keys go through the
// policy; a presented key that differs from the stored one is
// rejected outright, whatever its standing.
func (a *Authority) HandleSignIn(load Load) (reply Load, err error) {
	id, ok := load.GetString("id")
	if !ok || id == "" {
		return nil, authErrf("sign-in missing id")
	}
	nonce, _ := load.GetString("nonce")
	pubPEM, ok := load.GetString("pub")
	if !ok || pubPEM == "" {
		return nil, authErrf("sign-in from '%v' missing public key", id)
	}
	pub, err := ParsePublicKeyPEM([]byte(pubPEM))
	if err != nil {
		return nil, authErrf("sign-in from '%v' carried unparseable key: %v", id, err)
	}
	sigAlgo, _ := load.GetString("sig_algo")
	encAlgo, _ := load.GetString("enc_algo")

	token, ok := load.GetBytes("token")
	if !ok {
		return nil, authErrf("sign-in from '%v' missing token", id)
	}
	if err = pub.Verify([]byte(id), token, sigAlgo); err != nil {
		return nil, authErrf("sign-in from '%v': token does not prove presented key", id)
	}

	decision := a.standing(id, pubPEM, pub)

	grant := Load{
		"ret":     decision.String(),
		"nonce":   nonce,
		"pub_key": string(a.priv.Public().PEM()),
	}
	if decision == KeyAccepted {
		a.mut.Lock()
		key := a.sessionKey
		a.mut.Unlock()
		sealed, serr := pub.Encrypt([]byte(key), encAlgo)
		if serr != nil {
			return nil, fmt.Errorf("could not seal session key for '%v': %w", id, serr)
		}
		grant["aes"] = sealed
		grant["publish_port"] = a.cfg.PublishPort
	}

	grantBytes, err := encodeLoad(grant)
	if err != nil {
		return nil, err
	}
	sig, err := a.priv.Sign(grantBytes, sigAlgo)
	if err != nil {
		return nil, err
	}
	vv("sign-in from '%v' (%v): %v", id, pub.Fingerprint(), decision)
	return Load{"load": grantBytes, "sig": sig}, nil
}

// standing reconciles a presented key against the roster.
func (a *Authority) standing(id, pubPEM string, pub *PublicKey) KeyDecision {
	storedPEM, state, known := a.store.Get(id)
	if known {
		stored, err := ParsePublicKeyPEM(storedPEM)
		if err != nil || !stored.Key.Equal(pub.Key) {
			alwaysPrintf("id '%v' presented a key that does not match its stored key; rejecting", id)
			return KeyRejected
		}
		return state
	}
	state = a.policy.Decide(id, pub)
	if err := a.store.Put(id, []byte(pubPEM), state); err != nil {
		alwaysPrintf("could not store key for '%v': %v", id, err)
		return KeyPending
	}
	return state
}

// VerifyToken proves a bare {id, tok} pair against the roster:
// the id must hold an accepted key and tok must be that key's
// signature over the id. The publish server gates subscriber
// announcements with this.
func (a *Authority) VerifyToken(id string, tok []byte, sigAlgo string) error {
	pem, state, ok := a.store.Get(id)
	if !ok || state != KeyAccepted {
		return authErrf("no accepted key for '%v'", id)
	}
	pub, err := ParsePublicKeyPEM(pem)
	if err != nil {
		return authErrf("stored key for '%v' unparseable: %v", id, err)
	}
	return pub.Verify([]byte(id), tok, sigAlgo)
}

// OpenRequest unseals a request envelope's load with the
// session key and checks that the stamped identity matches the
// envelope and holds an accepted key. An AuthenticationError
// here usually means the sender predates a key rotation.
func (a *Authority) OpenRequest(env Load) (inner Load, err error) {
	sealed, ok := env.GetBytes("load")
	if !ok {
		return nil, authErrf("request envelope missing load")
	}
	cr := a.SessionCrypticle()
	inner, _, err = cr.LoadLoad(sealed, "")
	if err != nil {
		return nil, err
	}
	envID, _ := env.GetString("id")
	id, _ := inner.GetString("id")
	if envID != "" && id != envID {
		return nil, authErrf("envelope id '%v' does not match sealed id '%v'", envID, id)
	}
	sigAlgo, _ := env.GetString("sig_algo")
	tok, ok := inner.GetBytes("tok")
	if !ok {
		return nil, authErrf("sealed request from '%v' missing token", id)
	}
	if err = a.VerifyToken(id, tok, sigAlgo); err != nil {
		return nil, err
	}
	return inner, nil
}

// SealReply builds the encrypted reply envelope for one
// request. Each reply rides under its own one-shot key, itself
// sealed under the session key, and the serialized inner bytes
// are signed so the receiver can prove origin after unsealing:
//
//	{enc:"aes", key: session(perKey), load: per(inner), sig}
//	inner = {key: perKey, nonce, ret}
func (a *Authority) SealReply(ret interface{}, nonce, sigAlgo string) (outer Load, err error) {
	perKey := GenerateKeyString(a.cfg.AESKeySize, a.cfg.CipherAlgorithm)
	perCrypt, err := NewCrypticle(perKey, a.cfg.CipherAlgorithm, a.cfg.CompressionAlgo)
	if err != nil {
		return nil, err
	}
	inner := Load{
		"key":   perKey,
		"nonce": nonce,
		"ret":   ret,
	}
	sealed, raw, err := perCrypt.DumpLoadRaw(inner, nonce)
	if err != nil {
		return nil, err
	}
	sig, err := a.priv.Sign(raw, sigAlgo)
	if err != nil {
		return nil, err
	}
	keyBlob, err := a.SessionCrypticle().Encrypt([]byte(perKey))
	if err != nil {
		return nil, err
	}
	return Load{
		"enc":  "aes",
		"key":  keyBlob,
		"load": sealed,
		"sig":  sig,
	}, nil
}

// SealPublish seals one broadcast load under the session key,
// optionally signing the serialized bytes when the
// configuration asks for signed publishes.
func (a *Authority) SealPublish(ld Load, nonce string) (outer Load, err error) {
	sealed, raw, err := a.SessionCrypticle().DumpLoadRaw(ld, nonce)
	if err != nil {
		return nil, err
	}
	outer = Load{"enc": "aes", "load": sealed}
	if a.cfg.SignPubMessages {
		sig, serr := a.priv.Sign(raw, a.cfg.SigningAlgorithm)
		if serr != nil {
			return nil, serr
		}
		outer["sig"] = sig
	}
	return outer, nil
}
