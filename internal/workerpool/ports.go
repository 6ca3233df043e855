package workerpool

import (
	"fmt"
	"net"
)

// allocatePort scans [from,to] ascending for the first port that is both
// not already in use and currently bindable, per §4.1.
func allocatePort(from, to int, inUse []int) (int, bool) {
	used := make(map[int]bool, len(inUse))
	for _, p := range inUse {
		used[p] = true
	}

	for p := from; p <= to; p++ {
		if used[p] {
			continue
		}
		if canBind(p) {
			return p, true
		}
	}
	return 0, false
}

func canBind(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
