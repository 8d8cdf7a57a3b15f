package tether

// keys.go: long-lived RSA identity keys.
//
// Each endpoint owns an RSA keypair under its pki directory,
// minion.pem / minion.pub (or master.pem / master.pub). The
// public halves travel in PEM text on the wire; everything the
// handshake seals or signs goes through the small algorithm
// registry below so both sides can negotiate by name.

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/blake3"
)

const (
	EncryptOAEPSHA1   = "OAEP-SHA1"
	EncryptOAEPSHA256 = "OAEP-SHA256"

	SignPKCS1v15SHA1   = "PKCS1v15-SHA1"
	SignPKCS1v15SHA256 = "PKCS1v15-SHA256"
	SignPSSSHA256      = "PSS-SHA256"
)

// PrivateKey wraps an endpoint's RSA private key and its
// on-disk location.
type PrivateKey struct {
	Key  *rsa.PrivateKey
	Path string
}

// PublicKey wraps a counterparty's RSA public key.
type PublicKey struct {
	Key *rsa.PublicKey
}

// LoadOrMakeKeys returns the keypair from pkiDir, generating
// and persisting a fresh one on first run. The basename is
// "minion" or "master"; bits only matters on generation.
func LoadOrMakeKeys(pkiDir, basename string, bits int) (priv *PrivateKey, err error) {
	if err = os.MkdirAll(pkiDir, 0700); err != nil {
		return nil, fmt.Errorf("LoadOrMakeKeys: mkdir '%v': %w", pkiDir, err)
	}
	path := filepath.Join(pkiDir, basename+".pem")
	if fileExists(path) {
		return LoadPrivateKey(path)
	}
	if bits == 0 {
		bits = 2048
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("LoadOrMakeKeys: generate: %w", err)
	}
	priv = &PrivateKey{Key: key, Path: path}
	if err = priv.write(pkiDir, basename); err != nil {
		return nil, err
	}
	return priv, nil
}

func (priv *PrivateKey) write(pkiDir, basename string) error {
	privPem := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv.Key),
	})
	path := filepath.Join(pkiDir, basename+".pem")
	if err := os.WriteFile(path, privPem, 0400); err != nil {
		return fmt.Errorf("write private key '%v': %w", path, err)
	}
	pubPath := filepath.Join(pkiDir, basename+".pub")
	if err := os.WriteFile(pubPath, priv.Public().PEM(), 0644); err != nil {
		return fmt.Errorf("write public key '%v': %w", pubPath, err)
	}
	return nil
}

// LoadPrivateKey reads a PEM RSA private key from disk.
func LoadPrivateKey(path string) (*PrivateKey, error) {
	by, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadPrivateKey '%v': %w", path, err)
	}
	block, _ := pem.Decode(by)
	if block == nil {
		return nil, fmt.Errorf("LoadPrivateKey '%v': no PEM block", path)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		// tolerate PKCS8 wrapping
		k8, err8 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err8 != nil {
			return nil, fmt.Errorf("LoadPrivateKey '%v': %w", path, err)
		}
		rk, ok := k8.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("LoadPrivateKey '%v': not RSA", path)
		}
		key = rk
	}
	return &PrivateKey{Key: key, Path: path}, nil
}

// Public returns the matching public half.
func (priv *PrivateKey) Public() *PublicKey {
	return &PublicKey{Key: &priv.Key.PublicKey}
}

// PEM renders the public key as PKIX PEM text, the form that
// travels in sign-in payloads and key stores.
func (pub *PublicKey) PEM() []byte {
	der, err := x509.MarshalPKIXPublicKey(pub.Key)
	panicOn(err)
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

// ParsePublicKeyPEM parses PEM text back into a PublicKey.
func ParsePublicKeyPEM(pemText []byte) (*PublicKey, error) {
	block, _ := pem.Decode(pemText)
	if block == nil {
		return nil, fmt.Errorf("ParsePublicKeyPEM: no PEM block")
	}
	any, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		// also accept PKCS1 form
		k1, err1 := x509.ParsePKCS1PublicKey(block.Bytes)
		if err1 != nil {
			return nil, fmt.Errorf("ParsePublicKeyPEM: %w", err)
		}
		return &PublicKey{Key: k1}, nil
	}
	rk, ok := any.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("ParsePublicKeyPEM: not RSA, got %T", any)
	}
	return &PublicKey{Key: rk}, nil
}

func oaepHash(algo string) (crypto.Hash, error) {
	switch algo {
	case EncryptOAEPSHA1, "":
		return crypto.SHA1, nil
	case EncryptOAEPSHA256:
		return crypto.SHA256, nil
	}
	return 0, fmt.Errorf("unknown encryption algorithm '%v'", algo)
}

// Encrypt seals small plaintexts (session keys) to this public
// key with RSA-OAEP under the named algorithm.
func (pub *PublicKey) Encrypt(plain []byte, algo string) ([]byte, error) {
	h, err := oaepHash(algo)
	if err != nil {
		return nil, err
	}
	ct, err := rsa.EncryptOAEP(h.New(), rand.Reader, pub.Key, plain, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa encrypt: %w", err)
	}
	return ct, nil
}

// Decrypt opens an OAEP-sealed blob with our private key.
func (priv *PrivateKey) Decrypt(cipher []byte, algo string) ([]byte, error) {
	h, err := oaepHash(algo)
	if err != nil {
		return nil, err
	}
	plain, err := rsa.DecryptOAEP(h.New(), rand.Reader, priv.Key, cipher, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa decrypt: %w", err)
	}
	return plain, nil
}

// Sign produces a signature over msg under the named scheme.
func (priv *PrivateKey) Sign(msg []byte, algo string) ([]byte, error) {
	switch algo {
	case SignPKCS1v15SHA1, "":
		sum := sha1.Sum(msg)
		return rsa.SignPKCS1v15(rand.Reader, priv.Key, crypto.SHA1, sum[:])
	case SignPKCS1v15SHA256:
		sum := sha256.Sum256(msg)
		return rsa.SignPKCS1v15(rand.Reader, priv.Key, crypto.SHA256, sum[:])
	case SignPSSSHA256:
		sum := sha256.Sum256(msg)
		return rsa.SignPSS(rand.Reader, priv.Key, crypto.SHA256, sum[:], nil)
	}
	return nil, fmt.Errorf("unknown signing algorithm '%v'", algo)
}

// Verify checks sig over msg; a bad signature comes back as an
// AuthenticationError so callers can distinguish tampering from
// transport trouble.
func (pub *PublicKey) Verify(msg, sig []byte, algo string) error {
	var err error
	switch algo {
	case SignPKCS1v15SHA1, "":
		sum := sha1.Sum(msg)
		err = rsa.VerifyPKCS1v15(pub.Key, crypto.SHA1, sum[:], sig)
	case SignPKCS1v15SHA256:
		sum := sha256.Sum256(msg)
		err = rsa.VerifyPKCS1v15(pub.Key, crypto.SHA256, sum[:], sig)
	case SignPSSSHA256:
		sum := sha256.Sum256(msg)
		err = rsa.VerifyPSS(pub.Key, crypto.SHA256, sum[:], sig, nil)
	default:
		return fmt.Errorf("unknown signing algorithm '%v'", algo)
	}
	if err != nil {
		return authErrf("signature verification failed: %v", err)
	}
	return nil
}

// Fingerprint gives a short stable name for a public key, for
// logs and key-approval listings.
func (pub *PublicKey) Fingerprint() string {
	h := blake3.New(64, nil)
	h.Write(pub.PEM())
	by := h.Sum(nil)
	return "blake3.33B-" + cristalbase64.URLEncoding.EncodeToString(by[:33])
}

func fileExists(name string) bool {
	fi, err := os.Stat(name)
	if err != nil {
		return false
	}
	return !fi.IsDir()
}
