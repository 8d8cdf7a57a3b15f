package tether

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

func Test600_disconnect_fires_exactly_once(t *testing.T) {

	cv.Convey("losing the peer should fire the disconnect callback exactly once; a local Close should fire it not at all", t, func() {
		lsn, err := net.Listen("tcp", "127.0.0.1:0")
		panicOn(err)
		defer lsn.Close()
		accepted := make(chan net.Conn, 1)
		go func() {
			c, err := lsn.Accept()
			if err == nil {
				accepted <- c
			}
		}()

		cfg := NewConfig()
		cfg.ConnectTimeout = 2 * time.Second
		tr := NewTransport(cfg, "tcp", lsn.Addr().String())
		var losses atomic.Int64
		tr.OnDisconnect(func(err error) { losses.Add(1) })
		err = tr.Connect()
		panicOn(err)
		cv.So(tr.IsConnected(), cv.ShouldBeTrue)

		peer := <-accepted
		peer.Close()

		ok := waitFor(2*time.Second, func() bool { return losses.Load() == 1 })
		cv.So(ok, cv.ShouldBeTrue)
		time.Sleep(200 * time.Millisecond)
		cv.So(losses.Load(), cv.ShouldEqual, 1)
		cv.So(tr.IsConnected(), cv.ShouldBeFalse)

		// sends after the loss fail with a ConnectionError.
		err = tr.SendFrame([]byte{0x80})
		cv.So(isConnectionError(err), cv.ShouldBeTrue)
	})

	cv.Convey("a local Close never reports a loss", t, func() {
		lsn, err := net.Listen("tcp", "127.0.0.1:0")
		panicOn(err)
		defer lsn.Close()
		go func() {
			c, err := lsn.Accept()
			if err == nil {
				defer c.Close()
				time.Sleep(time.Second)
			}
		}()

		cfg := NewConfig()
		tr := NewTransport(cfg, "tcp", lsn.Addr().String())
		var losses atomic.Int64
		tr.OnDisconnect(func(err error) { losses.Add(1) })
		err = tr.Connect()
		panicOn(err)
		tr.Close()
		time.Sleep(300 * time.Millisecond)
		cv.So(losses.Load(), cv.ShouldEqual, 0)

		err = tr.Connect()
		cv.So(err, cv.ShouldEqual, ErrShutdown)
	})
}

func Test601_frames_survive_arbitrary_peer_chunking(t *testing.T) {

	cv.Convey("frames written a few bytes at a time should still arrive whole and in order", t, func() {
		lsn, err := net.Listen("tcp", "127.0.0.1:0")
		panicOn(err)
		defer lsn.Close()

		var frames []([]byte)
		for i := 0; i < 5; i++ {
			by, err := EncodeFrame(Load{"seq": int64(i)}, nil)
			panicOn(err)
			frames = append(frames, by)
		}

		go func() {
			c, err := lsn.Accept()
			if err != nil {
				return
			}
			defer c.Close()
			for _, by := range frames {
				for off := 0; off < len(by); off += 3 {
					end := off + 3
					if end > len(by) {
						end = len(by)
					}
					c.Write(by[off:end])
					time.Sleep(time.Millisecond)
				}
			}
			time.Sleep(500 * time.Millisecond)
		}()

		cfg := NewConfig()
		tr := NewTransport(cfg, "tcp", lsn.Addr().String())
		got := make(chan int64, 8)
		tr.OnRecv(func(fr *Frame) {
			ld, _ := fr.BodyLoad()
			seq, _ := ld.GetInt("seq")
			got <- seq
		})
		err = tr.Connect()
		panicOn(err)
		defer tr.Close()

		for want := int64(0); want < 5; want++ {
			select {
			case seq := <-got:
				cv.So(seq, cv.ShouldEqual, want)
			case <-time.After(2 * time.Second):
				t.Fatalf("frame %v never arrived", want)
			}
		}
	})
}

func Test602_concurrent_connect_dials_once(t *testing.T) {

	cv.Convey("racing Connect calls should produce exactly one connection, never a leaked extra dial", t, func() {
		lsn, err := net.Listen("tcp", "127.0.0.1:0")
		panicOn(err)
		defer lsn.Close()
		var accepts atomic.Int64
		go func() {
			for {
				c, err := lsn.Accept()
				if err != nil {
					return
				}
				accepts.Add(1)
				defer c.Close()
			}
		}()

		cfg := NewConfig()
		cfg.ConnectTimeout = 2 * time.Second
		tr := NewTransport(cfg, "tcp", lsn.Addr().String())
		tr.OnRecv(func(fr *Frame) {})
		defer tr.Close()

		const n = 8
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			go func() { errs <- tr.Connect() }()
		}
		for i := 0; i < n; i++ {
			cv.So(<-errs, cv.ShouldBeNil)
		}
		cv.So(tr.IsConnected(), cv.ShouldBeTrue)

		// give any stray dial time to land before counting.
		time.Sleep(200 * time.Millisecond)
		cv.So(accepts.Load(), cv.ShouldEqual, 1)
	})
}
