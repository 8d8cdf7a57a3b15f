package tether

import (
	"sync"
	"sync/atomic"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func Test400_worker_runner_serializes_in_order(t *testing.T) {

	cv.Convey("WorkerRunner should run jobs one at a time, in submission order, even from many submitters", t, func() {
		r := NewWorkerRunner(8)

		// single submitter: order must be exact.
		var got []int
		for i := 0; i < 200; i++ {
			i := i
			err := r.Run(func() { got = append(got, i) })
			panicOn(err)
		}
		r.Close() // waits for the queue to drain

		cv.So(len(got), cv.ShouldEqual, 200)
		for i, v := range got {
			if v != i {
				t.Fatalf("job %v ran out of order (saw %v)", i, v)
			}
		}

		// after Close, Run refuses.
		err := r.Run(func() {})
		cv.So(err, cv.ShouldEqual, ErrShutdown)
	})

	cv.Convey("concurrent submitters never overlap execution", t, func() {
		r := NewWorkerRunner(4)
		var inside, maxInside, count int
		var mut sync.Mutex
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.Run(func() {
					mut.Lock()
					inside++
					if inside > maxInside {
						maxInside = inside
					}
					count++
					mut.Unlock()

					mut.Lock()
					inside--
					mut.Unlock()
				})
			}()
		}
		wg.Wait()
		r.Close()

		mut.Lock()
		defer mut.Unlock()
		cv.So(maxInside, cv.ShouldEqual, 1)
		cv.So(count, cv.ShouldEqual, 20)
	})
}

func Test401_caller_runner(t *testing.T) {

	cv.Convey("CallerRunner runs inline under its mutex and refuses after Close", t, func() {
		r := NewCallerRunner()
		ran := false
		err := r.Run(func() { ran = true })
		panicOn(err)
		cv.So(ran, cv.ShouldBeTrue)

		r.Close()
		err = r.Run(func() { t.Fatal("must not run") })
		cv.So(err, cv.ShouldEqual, ErrShutdown)
	})
}

func Test402_worker_runner_never_drops_accepted_jobs(t *testing.T) {

	cv.Convey("a job that Run accepted must execute, even when Close races the enqueue", t, func() {
		for trial := 0; trial < 50; trial++ {
			r := NewWorkerRunner(4)
			var ran, accepted atomic.Int64
			var wg sync.WaitGroup
			for g := 0; g < 4; g++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < 20; i++ {
						if r.Run(func() { ran.Add(1) }) == nil {
							accepted.Add(1)
						}
					}
				}()
			}
			r.Close()
			wg.Wait()
			cv.So(ran.Load(), cv.ShouldEqual, accepted.Load())
		}
	})
}
