package tether

// config.go: the recognized option surface for both sides of
// the channel. One Config type serves minion and master roles;
// each side simply ignores the fields it has no use for.

import (
	"fmt"
	"time"
)

const (
	// historical defaults for the two class-of-service ports.
	DefaultReqPort     = 4505
	DefaultPublishPort = 4506
	DefaultPullPort    = 4514
)

// Config says who we are, who to contact (minion side) or where
// to listen (master side), and sets the retry/crypto posture.
type Config struct {

	// ID is the logical identity announced during sign-in and
	// stamped onto every authenticated Load.
	ID string

	// MasterHost is the controller to contact (minion side).
	MasterHost string

	// ReqPort carries request/reply traffic. PublishPort carries
	// the one-to-many event stream. The statically configured
	// PublishPort may be overridden by the port the master
	// reports during sign-in.
	ReqPort     int
	PublishPort int

	// Interface is the bind address for servers ("" = all).
	Interface string

	// PullNetwork/PullAddr name the secondary local listener the
	// publish server accepts locally-originated broadcasts on:
	// "unix" with a socket path, or "tcp" with host:port.
	PullNetwork string
	PullAddr    string

	// PkiDir holds our RSA keypair and the cached remote public key.
	PkiDir  string
	KeyBits int

	// AESKeySize is the symmetric key size in bits for the
	// session Crypticle.
	AESKeySize int

	RequestTimeout time.Duration
	RequestTries   int

	// AuthTries bounds hard (network) sign-in failures.
	// TCPAuthRetries bounds the publish client's pre-announce
	// handshake; negative means retry forever.
	AuthTries      int
	TCPAuthRetries int

	// AcceptanceWait paces the pending-approval retry loop,
	// doubling up to AcceptanceWaitMax.
	AcceptanceWait    time.Duration
	AcceptanceWaitMax time.Duration

	// RejectedRetry turns a hard rejection into one more retry
	// round instead of an immediate failure.
	RejectedRetry bool

	// EncryptionAlgorithm is the asymmetric padding identifier
	// ("OAEP-SHA1", "OAEP-SHA256"); SigningAlgorithm the signature
	// scheme ("PKCS1v15-SHA1", "PKCS1v15-SHA256", "PSS-SHA256").
	EncryptionAlgorithm string
	SigningAlgorithm    string

	// CipherAlgorithm selects the symmetric scheme for session
	// traffic: "aes" (AES-CBC + HMAC-SHA256), "chacha20poly1305",
	// or "ascon128a".
	CipherAlgorithm string

	// CompressionAlgo compresses serialized Loads before
	// encryption: "", "s2", "lz4" or "zstd".
	CompressionAlgo string

	// SignPubMessages requires a master signature on every
	// published payload; unsigned or badly signed payloads are
	// dropped by the publish client.
	SignPubMessages bool

	// RecvBufSize is the read chunk size for the stream loops.
	RecvBufSize int

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration

	// ForceAuth makes the publish client run a full handshake
	// before announcing, even if a session already exists.
	ForceAuth bool
}

// NewConfig supplies the defaults; zero values elsewhere
// mean "wait forever" for the timeouts.
func NewConfig() *Config {
	return &Config{
		ReqPort:             DefaultReqPort,
		PublishPort:         DefaultPublishPort,
		PullNetwork:         "tcp",
		KeyBits:             2048,
		AESKeySize:          192,
		RequestTimeout:      60 * time.Second,
		RequestTries:        3,
		AuthTries:           7,
		TCPAuthRetries:      5,
		AcceptanceWait:      10 * time.Second,
		AcceptanceWaitMax:   0, // 0 => no growth past AcceptanceWait
		EncryptionAlgorithm: "OAEP-SHA1",
		SigningAlgorithm:    "PKCS1v15-SHA1",
		CipherAlgorithm:     "aes",
		SignPubMessages:     true,
		RecvBufSize:         4096,
	}
}

// ReqAddr gives the host:port of the request/reply service.
func (cfg *Config) ReqAddr() string {
	return fmt.Sprintf("%v:%v", cfg.MasterHost, cfg.ReqPort)
}

// PubAddr gives the host:port of the publish service; port 0
// means use the configured default.
func (cfg *Config) PubAddr(port int) string {
	if port == 0 {
		port = cfg.PublishPort
	}
	return fmt.Sprintf("%v:%v", cfg.MasterHost, port)
}

func (cfg *Config) bindAddr(port int) string {
	return fmt.Sprintf("%v:%v", cfg.Interface, port)
}

// clone gives a private copy so channel internals never share
// a mutable Config with the caller.
func (cfg *Config) clone() *Config {
	cp := *cfg
	return &cp
}
