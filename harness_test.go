package tether

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

// countingStore wraps a KeyStore and counts Get calls, which
// happen once per sign-in, so tests can prove coalescing.
type countingStore struct {
	KeyStore
	mut  sync.Mutex
	gets int
}

func (c *countingStore) Get(id string) ([]byte, KeyDecision, bool) {
	c.mut.Lock()
	c.gets++
	c.mut.Unlock()
	return c.KeyStore.Get(id)
}

func (c *countingStore) getCount() int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.gets
}

type testMaster struct {
	cfg   *Config
	auth  *Authority
	req   *ReqServer
	pub   *PubServer
	store *countingStore
}

func (m *testMaster) close() {
	m.req.Close()
	m.pub.Close()
}

func (m *testMaster) reqPort() int {
	return m.req.Addr().(*net.TCPAddr).Port
}

// startTestMaster brings up a full master on loopback with
// kernel-assigned ports. Small keys keep the tests quick.
func startTestMaster(t *testing.T, policy KeyPolicy) *testMaster {
	t.Helper()
	cfg := NewConfig()
	cfg.ID = "master"
	cfg.Interface = "127.0.0.1"
	cfg.ReqPort = 0
	cfg.PublishPort = 0
	cfg.PullNetwork = "tcp"
	cfg.PullAddr = "127.0.0.1:0"
	cfg.PkiDir = t.TempDir()
	cfg.KeyBits = 1024
	if policy == nil {
		policy = AutoAcceptPolicy{}
	}
	store := &countingStore{KeyStore: NewMemoryKeyStore()}
	auth, err := NewAuthority(cfg, store, policy)
	panicOn(err)

	req := NewReqServer(cfg, auth)
	req.SetHandler(func(id string, load Load) (interface{}, error) {
		// default echo handler; tests override as needed.
		return map[string]interface{}(load), nil
	})
	err = req.Start()
	panicOn(err)

	pub := NewPubServer(cfg, auth)
	err = pub.Start()
	panicOn(err)

	// sign-in grants report the publish port from the config;
	// backfill the kernel-assigned ones.
	cfg.ReqPort = req.Addr().(*net.TCPAddr).Port
	cfg.PublishPort = pub.Addr().(*net.TCPAddr).Port

	m := &testMaster{cfg: cfg, auth: auth, req: req, pub: pub, store: store}
	t.Cleanup(m.close)
	return m
}

// newMinionConfig points a fast-retry minion at m.
func newMinionConfig(t *testing.T, m *testMaster, id string) *Config {
	t.Helper()
	cfg := NewConfig()
	cfg.ID = id
	cfg.MasterHost = "127.0.0.1"
	cfg.ReqPort = m.reqPort()
	cfg.PkiDir = t.TempDir()
	cfg.KeyBits = 1024
	cfg.RequestTimeout = 5 * time.Second
	cfg.ConnectTimeout = 2 * time.Second
	cfg.AcceptanceWait = 20 * time.Millisecond
	cfg.AcceptanceWaitMax = 100 * time.Millisecond
	cfg.AuthTries = 3
	cfg.TCPAuthRetries = 3
	return cfg
}

func newTestAuth(t *testing.T, m *testMaster, id string) (*Config, *AuthSession) {
	t.Helper()
	cfg := newMinionConfig(t, m, id)
	auth, err := NewAuthSession(cfg)
	panicOn(err)
	return cfg, auth
}

// waitFor polls cond up to dur.
func waitFor(dur time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(dur)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

var _ = fmt.Sprintf
