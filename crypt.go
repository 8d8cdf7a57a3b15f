package tether

// crypt.go: symmetric session-key cryptography.
//
// A Crypticle wraps the shared session key that the handshake
// seals to each minion. The key string is base64 text covering
// two parts: the cipher key (AESKeySize/8 bytes) and a 32 byte
// HMAC key. Rotating the key is swapping the Crypticle; every
// holder of the old string simply fails to authenticate the
// new ciphertext and knows to re-handshake.
//
// Three cipher suites, selected by name at both ends:
//
//	"aes"              AES-CBC + encrypt-then-HMAC-SHA256
//	"chacha20poly1305" AEAD, 32 byte key
//	"ascon128a"        AEAD, 16 byte key, fast on small loads
//
// Sealed loads carry a fixed plaintext preamble so the decrypt
// path can reject stale or replayed material before handing
// bytes to the decoder:
//
//	marker(8) | compression(1) | serial(8) | nonce(32) | payload

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cloudflare/circl/cipher/ascon"
	cristalbase64 "github.com/cristalhq/base64"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	CipherAES    = "aes"
	CipherChaCha = "chacha20poly1305"
	CipherAscon  = "ascon128a"
)

// loadMarker brands sealed loads; a decrypt that does not
// produce it was made under a different key.
var loadMarker = []byte("tether1:")

const nonceWidth = 32 // hex chars, see NewNonce

var compCodes = map[string]byte{
	CompressNone: 0,
	CompressS2:   1,
	CompressLZ4:  2,
	CompressZstd: 3,
}

var compNames = map[byte]string{
	0: CompressNone,
	1: CompressS2,
	2: CompressLZ4,
	3: CompressZstd,
}

// minCipherKeyBytes gives each suite's smallest usable cipher
// key half. chacha20poly1305 takes exactly 32 bytes; ascon128a
// takes 16; AES-CBC accepts 16/24/32.
func minCipherKeyBytes(cipherAlgo string) int {
	switch cipherAlgo {
	case CipherChaCha:
		return chacha20poly1305.KeySize
	case CipherAscon:
		return 16
	}
	return 16
}

// GenerateKeyString mints a fresh session key string: a
// keySize-bit cipher half (widened to whatever cipherAlgo
// needs) plus a 32 byte HMAC half.
func GenerateKeyString(keySize int, cipherAlgo string) string {
	if keySize == 0 {
		keySize = 192
	}
	n := keySize / 8
	if m := minCipherKeyBytes(cipherAlgo); n < m {
		n = m
	}
	by := cryRandBytes(n + 32)
	return cristalbase64.StdEncoding.EncodeToString(by)
}

// Crypticle seals and opens Loads under one session key.
// Safe for concurrent use.
type Crypticle struct {
	KeyString string

	cipherAlgo   string
	compressAlgo string
	cipherKey    []byte
	hmacKey      []byte
	press        *pressor

	// ReplayGuard, when set, makes LoadLoad reject any load
	// whose serial does not exceed the highest yet seen.
	ReplayGuard bool

	sendSerial atomic.Uint64

	mut        sync.Mutex
	recvSerial uint64
}

// NewCrypticle parses a key string produced by
// GenerateKeyString. compressAlgo may be empty.
func NewCrypticle(keyString, cipherAlgo, compressAlgo string) (*Crypticle, error) {
	raw, err := cristalbase64.StdEncoding.DecodeString(keyString)
	if err != nil {
		return nil, fmt.Errorf("NewCrypticle: bad key string: %w", err)
	}
	if len(raw) < 16+32 {
		return nil, fmt.Errorf("NewCrypticle: key string too short: %v bytes", len(raw))
	}
	if cipherAlgo == "" {
		cipherAlgo = CipherAES
	}
	if _, ok := compCodes[compressAlgo]; !ok {
		return nil, fmt.Errorf("NewCrypticle: unknown compression algo '%v'", compressAlgo)
	}
	c := &Crypticle{
		KeyString:    keyString,
		cipherAlgo:   cipherAlgo,
		compressAlgo: compressAlgo,
		cipherKey:    raw[:len(raw)-32],
		hmacKey:      raw[len(raw)-32:],
		press:        newPressor(),
	}
	switch cipherAlgo {
	case CipherAES, CipherChaCha, CipherAscon:
	default:
		return nil, fmt.Errorf("NewCrypticle: unknown cipher algo '%v'", cipherAlgo)
	}
	if need := minCipherKeyBytes(cipherAlgo); len(c.cipherKey) < need {
		return nil, fmt.Errorf("NewCrypticle: key string gives %v cipher key bytes, "+
			"but '%v' needs %v", len(c.cipherKey), cipherAlgo, need)
	}
	return c, nil
}

func (c *Crypticle) aead() (cipher.AEAD, error) {
	switch c.cipherAlgo {
	case CipherChaCha:
		key := c.cipherKey
		if len(key) < chacha20poly1305.KeySize {
			return nil, fmt.Errorf("cipher key too short for chacha20poly1305")
		}
		return chacha20poly1305.New(key[:chacha20poly1305.KeySize])
	case CipherAscon:
		if len(c.cipherKey) < 16 {
			return nil, fmt.Errorf("cipher key too short for ascon128a")
		}
		return ascon.New(c.cipherKey[:16], ascon.Ascon128a)
	}
	return nil, fmt.Errorf("no aead for cipher '%v'", c.cipherAlgo)
}

// Encrypt seals plaintext bytes. For "aes" the output is
// iv | ct | hmac; for the AEAD suites it is nonce | sealed.
func (c *Crypticle) Encrypt(plain []byte) ([]byte, error) {
	if c.cipherAlgo != CipherAES {
		ae, err := c.aead()
		if err != nil {
			return nil, err
		}
		nonce := cryRandBytes(ae.NonceSize())
		out := make([]byte, 0, len(nonce)+len(plain)+ae.Overhead())
		out = append(out, nonce...)
		return ae.Seal(out, nonce, plain, nil), nil
	}

	block, err := aes.NewCipher(c.cipherKey)
	if err != nil {
		return nil, fmt.Errorf("Encrypt: %w", err)
	}
	padded := pkcs7Pad(plain, aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	copy(iv, cryRandBytes(aes.BlockSize))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)

	mac := hmac.New(sha256.New, c.hmacKey)
	mac.Write(out)
	return mac.Sum(out), nil
}

// Decrypt opens Encrypt's output. Authentication failure is an
// AuthenticationError; that is the signal a receiver uses to
// notice its session key has been rotated out from under it.
func (c *Crypticle) Decrypt(sealed []byte) ([]byte, error) {
	if c.cipherAlgo != CipherAES {
		ae, err := c.aead()
		if err != nil {
			return nil, err
		}
		nsz := ae.NonceSize()
		if len(sealed) < nsz+ae.Overhead() {
			return nil, authErrf("ciphertext too short for %v", c.cipherAlgo)
		}
		plain, err := ae.Open(nil, sealed[:nsz], sealed[nsz:], nil)
		if err != nil {
			return nil, authErrf("aead open failed: %v", err)
		}
		return plain, nil
	}

	macLen := sha256.Size
	if len(sealed) < aes.BlockSize*2+macLen {
		return nil, authErrf("ciphertext too short")
	}
	body := sealed[:len(sealed)-macLen]
	tag := sealed[len(sealed)-macLen:]
	mac := hmac.New(sha256.New, c.hmacKey)
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), tag) != 1 {
		return nil, authErrf("message authentication failed")
	}

	block, err := aes.NewCipher(c.cipherKey)
	if err != nil {
		return nil, fmt.Errorf("Decrypt: %w", err)
	}
	iv := body[:aes.BlockSize]
	ct := body[aes.BlockSize:]
	if len(ct)%aes.BlockSize != 0 {
		return nil, authErrf("ciphertext not block aligned")
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)
	return pkcs7Unpad(plain, aes.BlockSize)
}

// DumpLoad serializes, optionally compresses, stamps, and
// seals a Load. nonce must be empty or nonceWidth chars.
func (c *Crypticle) DumpLoad(ld Load, nonce string) ([]byte, error) {
	sealed, _, err := c.DumpLoadRaw(ld, nonce)
	return sealed, err
}

// DumpLoadRaw is DumpLoad, also returning the serialized
// plaintext bytes it sealed, so a caller can sign exactly what
// the receiver will verify.
func (c *Crypticle) DumpLoadRaw(ld Load, nonce string) (sealed, raw []byte, err error) {
	if nonce != "" && len(nonce) != nonceWidth {
		return nil, nil, fmt.Errorf("DumpLoad: nonce must be %v chars, got %v", nonceWidth, len(nonce))
	}
	serialized, err := encodeLoad(ld)
	if err != nil {
		return nil, nil, err
	}
	payload, err := c.press.compress(c.compressAlgo, serialized)
	if err != nil {
		return nil, nil, err
	}
	serial := c.sendSerial.Add(1)

	plain := make([]byte, 0, len(loadMarker)+1+8+nonceWidth+len(payload))
	plain = append(plain, loadMarker...)
	plain = append(plain, compCodes[c.compressAlgo])
	plain = binary.BigEndian.AppendUint64(plain, serial)
	var nb [nonceWidth]byte
	copy(nb[:], nonce)
	plain = append(plain, nb[:]...)
	plain = append(plain, payload...)

	sealed, err = c.Encrypt(plain)
	if err != nil {
		return nil, nil, err
	}
	return sealed, serialized, nil
}

// LoadLoad opens a sealed Load and checks the preamble. When
// expectNonce is non-empty the embedded nonce must match; with
// ReplayGuard set, serials must strictly increase. The raw
// serialized bytes come back too, for signature checks over
// exactly what the sealer signed.
func (c *Crypticle) LoadLoad(sealed []byte, expectNonce string) (ld Load, raw []byte, err error) {
	plain, err := c.Decrypt(sealed)
	if err != nil {
		return nil, nil, err
	}
	hdr := len(loadMarker) + 1 + 8 + nonceWidth
	if len(plain) < hdr {
		return nil, nil, authErrf("sealed load truncated")
	}
	if !bytes.Equal(plain[:len(loadMarker)], loadMarker) {
		return nil, nil, authErrf("sealed load missing marker; wrong session key?")
	}
	compName, ok := compNames[plain[len(loadMarker)]]
	if !ok {
		return nil, nil, authErrf("sealed load has unknown compression code %v", plain[len(loadMarker)])
	}
	serial := binary.BigEndian.Uint64(plain[len(loadMarker)+1 : len(loadMarker)+9])
	gotNonce := string(bytes.TrimRight(plain[len(loadMarker)+9:hdr], "\x00"))
	if expectNonce != "" && gotNonce != expectNonce {
		return nil, nil, authErrf("nonce mismatch: possible replay")
	}
	if c.ReplayGuard {
		c.mut.Lock()
		if serial <= c.recvSerial {
			c.mut.Unlock()
			return nil, nil, authErrf("stale serial %v (seen %v): possible replay", serial, c.recvSerial)
		}
		c.recvSerial = serial
		c.mut.Unlock()
	}
	raw, err = c.press.decompress(compName, plain[hdr:])
	if err != nil {
		return nil, nil, authErrf("sealed load would not decompress: %v", err)
	}
	ld, err = decodeLoad(raw)
	if err != nil {
		return nil, nil, err
	}
	return ld, raw, nil
}

func pkcs7Pad(by []byte, blockSize int) []byte {
	n := blockSize - len(by)%blockSize
	out := make([]byte, len(by)+n)
	copy(out, by)
	for i := len(by); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func pkcs7Unpad(by []byte, blockSize int) ([]byte, error) {
	if len(by) == 0 || len(by)%blockSize != 0 {
		return nil, authErrf("bad padding length")
	}
	n := int(by[len(by)-1])
	if n == 0 || n > blockSize || n > len(by) {
		return nil, authErrf("bad padding byte")
	}
	for _, b := range by[len(by)-n:] {
		if int(b) != n {
			return nil, authErrf("inconsistent padding")
		}
	}
	return by[:len(by)-n], nil
}
