package workerpool

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"go.uber.org/zap"
)

// killAll kills the process group of every worker subprocess (kill-tree
// semantics, §9: killing only the top-level process would orphan
// grandchildren rendering workers spawn themselves), then optionally runs
// the external Python cleanup program. Killing a child is best-effort
// (§4.1 Failure semantics).
func killAll(logger *zap.Logger, workers map[int]*worker, runCleanup bool, cwd string, env []string) {
	for port, w := range workers {
		if w.cmd.Process == nil {
			continue
		}
		if err := killTree(w.cmd.Process.Pid); err != nil {
			logger.Warn("workerpool: kill tree failed", zap.Int("port", port), zap.Int("pid", w.cmd.Process.Pid), zap.Error(err))
		}
	}

	if runCleanup {
		if err := runCleanupScript(cwd, env); err != nil {
			logger.Error("workerpool: cleanup script failed", zap.Error(err))
		}
	}
}

// killTree signals the process group rooted at pid. On Unix this is a
// negative-pid signal against the process group created by Setpgid in
// spawn.go.
func killTree(pid int) error {
	if runtime.GOOS == "windows" {
		return exec.Command("taskkill", "/T", "/F", "/PID", itoa(pid)).Run()
	}
	return syscall.Kill(-pid, syscall.SIGKILL)
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}

// rendererRunning checks the process table for the renderer binary,
// matching the original's sysinfo-backed is_process_run.
func rendererRunning() bool {
	procDir := "/proc"
	entries, err := os.ReadDir(procDir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		comm, err := os.ReadFile(procDir + "/" + e.Name() + "/comm")
		if err != nil {
			continue
		}
		name := string(comm)
		if len(name) > 0 && name[len(name)-1] == '\n' {
			name = name[:len(name)-1]
		}
		if name == "granian" || name == "python" {
			return true
		}
	}
	return false
}

// collectInfo gathers process-tree info for the given worker PIDs. A
// failure to inspect a given pid is recorded as an empty entry rather than
// aborting the whole call, so InfoWorkers never returns an error (§4.1:
// InfoWorkers failure is not fatal).
func collectInfo(pids []int) Info {
	info := Info{
		WorkerChilds: make(map[int][][2]int, len(pids)),
		WorkerMemory: make(map[int][]uint64, len(pids)),
	}
	for _, pid := range pids {
		childs, mem := processTree(pid)
		info.WorkerChilds[pid] = childs
		info.WorkerMemory[pid] = mem
	}
	return info
}

// processTree reads /proc to find child PIDs of the given parent and an
// approximate RSS for each, standing in for the original's
// sysinfo/remoteprocess crate pairing.
func processTree(pid int) ([][2]int, []uint64) {
	var childs [][2]int
	var mem []uint64

	entries, err := os.ReadDir("/proc")
	if err != nil {
		return childs, mem
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		childPid, ok := parsePid(e.Name())
		if !ok {
			continue
		}
		ppid, ok := readPPID(childPid)
		if !ok || ppid != pid {
			continue
		}
		childs = append(childs, [2]int{childPid, ppid})
		mem = append(mem, readRSS(childPid))
	}
	return childs, mem
}

func parsePid(name string) (int, bool) {
	n := 0
	if len(name) == 0 {
		return 0, false
	}
	for _, r := range name {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

func readPPID(pid int) (int, bool) {
	data, err := os.ReadFile("/proc/" + itoa(pid) + "/stat")
	if err != nil {
		return 0, false
	}
	// Field 4 of /proc/<pid>/stat is PPID; fields are space separated, but
	// field 2 (comm) may contain spaces inside parens, so split from the
	// last ')'.
	s := string(data)
	idx := lastIndexByte(s, ')')
	if idx < 0 {
		return 0, false
	}
	rest := s[idx+1:]
	fields := splitFields(rest)
	if len(fields) < 2 {
		return 0, false
	}
	ppid, ok := parsePid(fields[1])
	return ppid, ok
}

func readRSS(pid int) uint64 {
	data, err := os.ReadFile("/proc/" + itoa(pid) + "/statm")
	if err != nil {
		return 0
	}
	fields := splitFields(string(data))
	if len(fields) < 2 {
		return 0
	}
	pages, ok := parsePid(fields[1])
	if !ok {
		return 0
	}
	return uint64(pages) * 4096
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func splitFields(s string) []string {
	var fields []string
	start := -1
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' || s[i] == '\n' || s[i] == '\t' {
			if start >= 0 {
				fields = append(fields, s[start:i])
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, s[start:])
	}
	return fields
}
