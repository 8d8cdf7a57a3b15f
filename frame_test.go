package tether

import (
	"bytes"
	"errors"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func asFramingError(err error, fe **FramingError) bool {
	return errors.As(err, fe)
}

func Test001_frame_roundtrip(t *testing.T) {

	cv.Convey("EncodeFrame then FrameScanner should give back the same head and body", t, func() {
		body := Load{
			"enc":     "clear",
			"id":      "minion-7",
			"n":       int64(42),
			"blob":    []byte{0, 1, 2, 0xff},
			"nested":  Load{"a": "b"},
			"listing": []interface{}{"x", int64(3)},
		}
		by, err := EncodeFrame(body, Load{"mid": int64(9)})
		panicOn(err)

		sc := NewFrameScanner()
		sc.Feed(by)
		fr, err := sc.Next()
		panicOn(err)
		cv.So(fr, cv.ShouldNotBeNil)

		mid, ok := fr.Head.GetInt("mid")
		cv.So(ok, cv.ShouldBeTrue)
		cv.So(mid, cv.ShouldEqual, 9)

		got, ok := fr.BodyLoad()
		cv.So(ok, cv.ShouldBeTrue)
		enc, _ := got.GetString("enc")
		cv.So(enc, cv.ShouldEqual, "clear")
		id, _ := got.GetString("id")
		cv.So(id, cv.ShouldEqual, "minion-7")
		n, _ := got.GetInt("n")
		cv.So(n, cv.ShouldEqual, 42)
		blob, _ := got.GetBytes("blob")
		cv.So(bytes.Equal(blob, []byte{0, 1, 2, 0xff}), cv.ShouldBeTrue)

		// buffer fully consumed; no phantom second frame.
		fr2, err := sc.Next()
		panicOn(err)
		cv.So(fr2, cv.ShouldBeNil)
		cv.So(sc.Buffered(), cv.ShouldEqual, 0)
	})
}

func Test002_frame_reassembly_any_chunking(t *testing.T) {

	cv.Convey("two frames split at every possible byte boundary should reassemble identically", t, func() {
		a, err := EncodeFrame(Load{"seq": int64(1), "body": "first"}, nil)
		panicOn(err)
		b, err := EncodeFrame(Load{"seq": int64(2), "body": "second"}, nil)
		panicOn(err)
		stream := append(append([]byte{}, a...), b...)

		for cut := 0; cut <= len(stream); cut++ {
			sc := NewFrameScanner()
			var got []*Frame
			drain := func() {
				for {
					fr, err := sc.Next()
					panicOn(err)
					if fr == nil {
						return
					}
					got = append(got, fr)
				}
			}
			sc.Feed(stream[:cut])
			drain()
			sc.Feed(stream[cut:])
			drain()

			if len(got) != 2 {
				t.Fatalf("cut at %v: got %v frames, want 2", cut, len(got))
			}
			for i, fr := range got {
				ld, _ := fr.BodyLoad()
				seq, _ := ld.GetInt("seq")
				if seq != int64(i+1) {
					t.Fatalf("cut at %v: frame %v had seq %v", cut, i, seq)
				}
			}
		}
		cv.So(true, cv.ShouldBeTrue)
	})
}

func Test003_frame_garbage_is_framing_error(t *testing.T) {

	cv.Convey("a malformed stream should surface a FramingError, not hang waiting for more bytes", t, func() {
		sc := NewFrameScanner()
		// 0xc1 is the one permanently-invalid msgpack prefix.
		sc.Feed([]byte{0xc1, 0x00, 0x01})
		fr, err := sc.Next()
		cv.So(fr, cv.ShouldBeNil)
		cv.So(err, cv.ShouldNotBeNil)
		var fe *FramingError
		cv.So(asFramingError(err, &fe), cv.ShouldBeTrue)
	})

	cv.Convey("a truncated frame is not an error, just not ready", t, func() {
		by, err := EncodeFrame(Load{"k": "v"}, nil)
		panicOn(err)
		sc := NewFrameScanner()
		sc.Feed(by[:len(by)-3])
		fr, err := sc.Next()
		cv.So(fr, cv.ShouldBeNil)
		cv.So(err, cv.ShouldBeNil)
		sc.Feed(by[len(by)-3:])
		fr, err = sc.Next()
		panicOn(err)
		cv.So(fr, cv.ShouldNotBeNil)
	})
}
