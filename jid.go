package tether

// jid.go: job/correlation identifiers and nonces.
//
// A jid is the human-legible timestamp id stamped onto published
// jobs (local microsecond resolution, sortable). The mid is the
// per-connection monotonic id the request server echoes back in
// the reply header so the client can sanity-check correlation.
// A nonce is 128 random bits, hex coded, single use.

import (
	cryrand "crypto/rand"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	cristalbase64 "github.com/cristalhq/base64"
)

const jidFormat = "20060102150405.000000"

var lastJidMut sync.Mutex
var lastJid string

// NewJid returns a 20 digit timestamp id, e.g.
// "20260830142233115599". Guaranteed unique within this
// process even if the clock stalls.
func NewJid() (jid string) {
	lastJidMut.Lock()
	defer lastJidMut.Unlock()
	for {
		jid = ""
		for _, r := range time.Now().UTC().Format(jidFormat) {
			if r != '.' {
				jid += string(r)
			}
		}
		if jid != lastJid {
			lastJid = jid
			return
		}
		time.Sleep(time.Microsecond)
	}
}

// NewNonce returns 128 random bits as a 32 character hex string.
func NewNonce() string {
	var b [16]byte
	_, err := cryrand.Read(b[:])
	panicOn(err)
	return hex.EncodeToString(b[:])
}

var lastMidPrivate uint64

// issueMid hands out the next request correlation id.
func issueMid() uint64 {
	return atomic.AddUint64(&lastMidPrivate, 1)
}

func cryRandBytes(n int) []byte {
	b := make([]byte, n)
	_, err := cryrand.Read(b)
	panicOn(err)
	return b
}

func cryRandBytesBase64(numBytes int) string {
	return cristalbase64.URLEncoding.EncodeToString(cryRandBytes(numBytes))
}
