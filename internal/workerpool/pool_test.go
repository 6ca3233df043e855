package workerpool

import "testing"

func TestNextRoundRobinFairness(t *testing.T) {
	const numPorts = 3
	const rounds = 100

	counts := make([]int, numPorts)
	index := 0
	var sequence []int
	for i := 0; i < rounds; i++ {
		var chosen int
		index, chosen = nextRoundRobin(index, numPorts)
		counts[chosen]++
		sequence = append(sequence, chosen)
	}

	lo := rounds / numPorts
	hi := lo
	if rounds%numPorts != 0 {
		hi = lo + 1
	}
	for port, c := range counts {
		if c != lo && c != hi {
			t.Errorf("port %d chosen %d times, want %d or %d", port, c, lo, hi)
		}
	}

	// the sequence must visit ports in a consistent cyclic order: 0,1,2,0,1,2,...
	for i, got := range sequence {
		want := i % numPorts
		if got != want {
			t.Fatalf("sequence[%d] = %d, want %d (cyclic order broken)", i, got, want)
		}
	}
}

func TestNextRoundRobinSinglePort(t *testing.T) {
	index := 0
	for i := 0; i < 5; i++ {
		var chosen int
		index, chosen = nextRoundRobin(index, 1)
		if chosen != 0 {
			t.Errorf("iteration %d: chosen = %d, want 0 (only one port)", i, chosen)
		}
	}
}

func TestAllocatePortSkipsInUse(t *testing.T) {
	from, to := 20000, 20010
	inUse := []int{20000, 20001, 20002}

	port, ok := allocatePort(from, to, inUse)
	if !ok {
		t.Fatal("expected a free port to be found")
	}
	if port < 20003 {
		t.Errorf("allocatePort returned %d, want >= 20003 (first three are in use)", port)
	}
	for _, u := range inUse {
		if port == u {
			t.Errorf("allocatePort returned %d, which is marked in-use", port)
		}
	}
}

func TestAllocatePortExhausted(t *testing.T) {
	from, to := 21000, 21002
	inUse := []int{21000, 21001, 21002}

	_, ok := allocatePort(from, to, inUse)
	if ok {
		t.Error("expected allocatePort to fail when the whole range is in use")
	}
}
