package admission_test

import (
	"sync"
	"testing"
	"time"

	"github.com/tiler/proxy-balancer/internal/admission"
)

func TestGetPermitBound(t *testing.T) {
	s := admission.New(2)
	const port = 9000

	p1 := s.GetPermit(port)
	p2 := s.GetPermit(port)

	acquired := make(chan struct{})
	go func() {
		p3 := s.GetPermit(port)
		close(acquired)
		p3.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("third GetPermit returned before any permit was released: admission bound not enforced")
	case <-time.After(50 * time.Millisecond):
	}

	p1.Release()

	select {
	case <-acquired:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("third GetPermit never returned after a release")
	}

	p2.Release()
}

func TestGetPermitFIFOOrder(t *testing.T) {
	s := admission.New(1)
	const port = 9001

	held := s.GetPermit(port)

	const n = 5
	order := make(chan int, n)
	var starting sync.WaitGroup
	starting.Add(n)

	for i := 0; i < n; i++ {
		go func(i int) {
			starting.Done()
			starting.Wait()
			// stagger submission so arrival order at the actor is deterministic
			time.Sleep(time.Duration(i) * 10 * time.Millisecond)
			p := s.GetPermit(port)
			order <- i
			time.Sleep(5 * time.Millisecond)
			p.Release()
		}(i)
	}

	// give every waiter time to enqueue before releasing the held permit
	time.Sleep(time.Duration(n) * 10 * time.Millisecond)
	held.Release()

	var got []int
	for i := 0; i < n; i++ {
		select {
		case v := <-order:
			got = append(got, v)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for waiter %d to acquire its permit", i)
		}
	}

	for i, v := range got {
		if v != i {
			t.Errorf("FIFO order violated: acquisition sequence = %v, want 0..%d in order", got, n-1)
			break
		}
		_ = i
	}
}

func TestAddAndForgetPermits(t *testing.T) {
	s := admission.New(1)
	const port = 9002

	// create the port by taking its one permit, then release it
	p := s.GetPermit(port)
	p.Release()

	s.AddPermits(2)
	time.Sleep(20 * time.Millisecond) // capacityLoop flushes on a 5ms tick

	snap := s.Snapshot()
	st, ok := snap[port]
	if !ok {
		t.Fatalf("expected port %d to appear in snapshot", port)
	}
	if st.Capacity != 3 {
		t.Errorf("capacity after AddPermits(2) = %d, want 3", st.Capacity)
	}

	s.ForgetPermits(2)
	time.Sleep(20 * time.Millisecond)

	snap = s.Snapshot()
	st = snap[port]
	if st.Capacity != 1 {
		t.Errorf("capacity after ForgetPermits(2) = %d, want 1", st.Capacity)
	}
}
