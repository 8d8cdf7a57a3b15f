package tether

import (
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func Test500_jid_and_nonce(t *testing.T) {

	cv.Convey("NewJid gives 20 digit, unique, sortable ids even when minted back to back", t, func() {
		prev := ""
		for i := 0; i < 50; i++ {
			jid := NewJid()
			cv.So(len(jid), cv.ShouldEqual, 20)
			for _, r := range jid {
				if r < '0' || r > '9' {
					t.Fatalf("jid '%v' has non-digit %q", jid, r)
				}
			}
			cv.So(jid, cv.ShouldBeGreaterThan, prev)
			prev = jid
		}
	})

	cv.Convey("NewNonce gives 32 hex chars, never repeating", t, func() {
		seen := make(map[string]bool)
		for i := 0; i < 1000; i++ {
			n := NewNonce()
			cv.So(len(n), cv.ShouldEqual, 32)
			cv.So(seen[n], cv.ShouldBeFalse)
			seen[n] = true
		}
	})
}
