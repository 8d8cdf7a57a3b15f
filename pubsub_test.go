package tether

import (
	"fmt"
	"net"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

// startTestSubscriber authenticates id against m and connects
// its publish client, returning the delivery channel.
func startTestSubscriber(t *testing.T, m *testMaster, id string) (*PublishClient, chan Load) {
	t.Helper()
	cfg, auth := newTestAuth(t, m, id)
	got := make(chan Load, 16)
	pc := NewPublishClient(cfg, auth)
	pc.OnMessage(func(ld Load) {
		got <- ld
	})
	err := pc.Connect(0)
	panicOn(err)
	t.Cleanup(pc.Close)

	// wait until the master has seen the announce.
	ok := waitFor(2*time.Second, func() bool {
		for _, sid := range m.pub.SubscriberIDs() {
			if sid == id {
				return true
			}
		}
		return false
	})
	if !ok {
		t.Fatalf("subscriber '%v' never announced", id)
	}
	return pc, got
}

func Test300_publish_end_to_end(t *testing.T) {

	cv.Convey("a published load should arrive sealed, signed, and intact at an announced subscriber within a second", t, func() {
		m := startTestMaster(t, AutoAcceptPolicy{})
		_, got := startTestSubscriber(t, m, "sub1")

		err := m.pub.Publish(Load{"fun": "test.ping", "arg": []interface{}{"x"}})
		panicOn(err)

		select {
		case ld := <-got:
			fun, _ := ld.GetString("fun")
			cv.So(fun, cv.ShouldEqual, "test.ping")
			jid, _ := ld.GetString("jid")
			cv.So(len(jid), cv.ShouldEqual, 20)
		case <-time.After(time.Second):
			t.Fatal("broadcast did not arrive within 1s")
		}
	})
}

func Test301_targeted_publish(t *testing.T) {

	cv.Convey("a targeted publish should reach only the named subscribers", t, func() {
		m := startTestMaster(t, AutoAcceptPolicy{})
		_, gotA := startTestSubscriber(t, m, "subA")
		_, gotB := startTestSubscriber(t, m, "subB")

		err := m.pub.Publish(Load{"fun": "only.a"}, "subA")
		panicOn(err)

		select {
		case ld := <-gotA:
			fun, _ := ld.GetString("fun")
			cv.So(fun, cv.ShouldEqual, "only.a")
		case <-time.After(time.Second):
			t.Fatal("targeted broadcast did not arrive")
		}
		select {
		case ld := <-gotB:
			t.Fatalf("subB should not have received %v", ld)
		case <-time.After(300 * time.Millisecond):
		}

		// untargeted reaches both.
		err = m.pub.Publish(Load{"fun": "every.one"})
		panicOn(err)
		for name, ch := range map[string]chan Load{"subA": gotA, "subB": gotB} {
			select {
			case ld := <-ch:
				fun, _ := ld.GetString("fun")
				cv.So(fun, cv.ShouldEqual, "every.one")
			case <-time.After(time.Second):
				t.Fatalf("%v missed the broadcast", name)
			}
		}
	})
}

func Test302_pull_endpoint_republishes(t *testing.T) {

	cv.Convey("loads handed to the pull endpoint should fan out like any publish", t, func() {
		m := startTestMaster(t, AutoAcceptPolicy{})
		_, got := startTestSubscriber(t, m, "sub2")

		pullCfg := NewConfig()
		pullCfg.PullNetwork = "tcp"
		pullCfg.PullAddr = m.pub.PullAddr().String()
		pp, err := NewPullPublisher(pullCfg)
		panicOn(err)
		defer pp.Close()

		err = pp.Publish(Load{"fun": "via.pull"}, "sub2")
		panicOn(err)

		select {
		case ld := <-got:
			fun, _ := ld.GetString("fun")
			cv.So(fun, cv.ShouldEqual, "via.pull")
		case <-time.After(time.Second):
			t.Fatal("pulled publish did not arrive")
		}
	})
}

func Test303_departed_subscriber_pruned(t *testing.T) {

	cv.Convey("a departed subscriber should be pruned and never stall delivery to the rest", t, func() {
		m := startTestMaster(t, AutoAcceptPolicy{})

		var presMut chan string = make(chan string, 8)
		m.pub.OnPresence(func(id string, present bool) {
			presMut <- fmt.Sprintf("%v:%v", id, present)
		})

		pcGone, _ := startTestSubscriber(t, m, "goner")
		_, got := startTestSubscriber(t, m, "stayer")

		pcGone.Close()
		ok := waitFor(2*time.Second, func() bool {
			ids := m.pub.SubscriberIDs()
			return len(ids) == 1 && ids[0] == "stayer"
		})
		cv.So(ok, cv.ShouldBeTrue)

		err := m.pub.Publish(Load{"fun": "still.works"})
		panicOn(err)
		select {
		case ld := <-got:
			fun, _ := ld.GetString("fun")
			cv.So(fun, cv.ShouldEqual, "still.works")
		case <-time.After(time.Second):
			t.Fatal("survivor missed the broadcast")
		}
	})
}

func Test304_unannounced_connection_gets_nothing(t *testing.T) {

	cv.Convey("a connection that never announces (or fails the token check) must receive no broadcasts", t, func() {
		m := startTestMaster(t, AutoAcceptPolicy{})
		_, got := startTestSubscriber(t, m, "sub3")

		// a bare transport with no announce.
		cfg := newMinionConfig(t, m, "lurker")
		cfg.PublishPort = m.cfg.PublishPort
		lurk := NewTransport(cfg, "tcp", cfg.PubAddr(0))
		lurkGot := make(chan *Frame, 4)
		lurk.OnRecv(func(fr *Frame) { lurkGot <- fr })
		err := lurk.Connect()
		panicOn(err)
		defer lurk.Close()

		err = m.pub.Publish(Load{"fun": "members.only"})
		panicOn(err)

		select {
		case <-got:
		case <-time.After(time.Second):
			t.Fatal("announced subscriber missed the broadcast")
		}
		select {
		case <-lurkGot:
			t.Fatal("unannounced connection received a broadcast")
		case <-time.After(300 * time.Millisecond):
		}
	})
}

func Test305_close_hangs_up_pull_connections(t *testing.T) {

	cv.Convey("closing the publish server should hang up pull-endpoint connections, not leave their read loops running", t, func() {
		m := startTestMaster(t, AutoAcceptPolicy{})

		conn, err := net.Dial("tcp", m.pub.PullAddr().String())
		panicOn(err)
		defer conn.Close()

		// a frame proves the server adopted the connection.
		by, err := EncodeFrame(Load{"payload": Load{"k": "v"}}, nil)
		panicOn(err)
		_, err = conn.Write(by)
		panicOn(err)
		time.Sleep(50 * time.Millisecond)

		m.pub.Close()

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 1)
		_, err = conn.Read(buf)
		cv.So(err, cv.ShouldNotBeNil) // EOF: the server closed us
	})
}
