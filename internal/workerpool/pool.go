// Package workerpool spawns, supervises, load-balances, and reloads the
// fixed-size pool of tile-rendering worker subprocesses (spec C4 / §4.1).
// The manager is an actor: a single goroutine owns every mutable field
// (ports, subprocess handles, HTTP clients, the round-robin cursor) and is
// reached only through the typed request/reply channels below, matching
// the teacher's channel-driven worker loop (internal/worker/worker.go) and
// the original's workers_maintenance task.
package workerpool

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/tiler/proxy-balancer/internal/config"
	"github.com/tiler/proxy-balancer/internal/pyramidtracker"
)

// WorkerData is the read-consistent view handed to request handlers on
// every GetWorkerData call.
type WorkerData struct {
	Port   int
	Index  int
	Ports  []int
	Client *http.Client
}

// State is the result of GetWorkerState, used to debounce scheduled
// reloads (§4.1, §4.5).
type State int

const (
	StateRunning State = iota
	StateReloading
)

// Info is the blocking process-tree inspection result of InfoWorkers.
type Info struct {
	WorkerChilds map[int][][2]int // pid -> [(child_pid, parent_pid)]
	WorkerMemory map[int][]uint64 // pid -> [bytes]
}

type worker struct {
	port   int
	cmd    *exec.Cmd
	client *http.Client
}

type request struct {
	kind kind

	addCount int

	replyData  chan *WorkerData
	replyInfo  chan Info
	replyState chan State
	replyDone  chan struct{}
}

type kind int

const (
	kindGetWorkerData kind = iota
	kindAddWorkers
	kindReloadWorkers
	kindTerminateWorkers
	kindInfoWorkers
	kindGetWorkerState
)

// Manager is the worker pool actor handle.
type Manager struct {
	cfg    *config.Config
	tracker *pyramidtracker.Tracker
	logger *zap.Logger

	reqs chan request
}

// New spawns the initial pool of config.Server.ProcessesWorkers workers and
// starts the manager actor. Startup with zero workers is fatal (§4.1).
func New(cfg *config.Config, tracker *pyramidtracker.Tracker, logger *zap.Logger) (*Manager, error) {
	m := &Manager{cfg: cfg, tracker: tracker, logger: logger, reqs: make(chan request)}

	workers, err := spawnInitial(cfg, logger)
	if err != nil {
		return nil, err
	}
	if len(workers) == 0 {
		return nil, fmt.Errorf("workerpool: zero workers spawned at startup")
	}

	if err := savePIDs(cfg.CWD, workers); err != nil {
		logger.Warn("workerpool: failed to save PIDs", zap.Error(err))
	}

	go m.run(workers)
	return m, nil
}

func spawnInitial(cfg *config.Config, logger *zap.Logger) ([]*worker, error) {
	var workers []*worker
	var used []int
	for i := 0; i < cfg.Server.ProcessesWorkers; i++ {
		port, ok := allocatePort(cfg.Server.WorkerPortRange.From, cfg.Server.WorkerPortRange.To, used)
		if !ok {
			return nil, fmt.Errorf("workerpool: no free port in range [%d,%d]",
				cfg.Server.WorkerPortRange.From, cfg.Server.WorkerPortRange.To)
		}
		used = append(used, port)
		time.Sleep(100 * time.Millisecond)

		cmd, err := spawn(cfg, port)
		if err != nil {
			return nil, fmt.Errorf("workerpool: spawn worker on port %d: %w", port, err)
		}
		workers = append(workers, &worker{port: port, cmd: cmd, client: &http.Client{Timeout: time.Duration(cfg.Server.TimeoutWorkerResponseS) * time.Second}})
	}
	return workers, nil
}

func (m *Manager) run(initial []*worker) {
	workers := make(map[int]*worker)
	var ports []int
	for _, w := range initial {
		workers[w.port] = w
		ports = append(ports, w.port)
	}

	index := 0
	var lastReloadTime *time.Time

	for req := range m.reqs {
		switch req.kind {
		case kindGetWorkerData:
			if len(ports) == 0 {
				req.replyData <- nil
				continue
			}
			// advance-then-return, per the original's exact algorithm
			// (SPEC_FULL.md "Round-robin index wraparound").
			var i int
			index, i = nextRoundRobin(index, len(ports))
			port := ports[i]
			snapshot := make([]int, len(ports))
			copy(snapshot, ports)
			req.replyData <- &WorkerData{Port: port, Index: i, Ports: snapshot, Client: workers[port].client}

		case kindAddWorkers:
			for i := 0; i < req.addCount; i++ {
				port, ok := allocatePort(m.cfg.Server.WorkerPortRange.From, m.cfg.Server.WorkerPortRange.To, ports)
				if !ok {
					m.logger.Error("workerpool: no free port for AddWorkers")
					continue
				}
				time.Sleep(1000 * time.Millisecond)
				cmd, err := spawn(m.cfg, port)
				if err != nil {
					m.logger.Error("workerpool: spawn failed", zap.Int("port", port), zap.Error(err))
					continue
				}
				workers[port] = &worker{port: port, cmd: cmd, client: &http.Client{Timeout: time.Duration(m.cfg.Server.TimeoutWorkerResponseS) * time.Second}}
				ports = append(ports, port)
			}
			m.savePIDsLocked(workers)
			req.replyDone <- struct{}{}

		case kindReloadWorkers:
			killAll(m.logger, workers, m.cfg.Server.TerminateChildsWithPython, m.cfg.CWD, m.cfg.WorkerEnv())
			workers = make(map[int]*worker)
			ports = nil
			index = 0

			waitForRendererExit(60 * time.Second)

			for i := 0; i < m.cfg.Server.ProcessesWorkers; i++ {
				port, ok := allocatePort(m.cfg.Server.WorkerPortRange.From, m.cfg.Server.WorkerPortRange.To, ports)
				if !ok {
					m.logger.Error("workerpool: no free port during reload")
					continue
				}
				time.Sleep(100 * time.Millisecond)
				cmd, err := spawn(m.cfg, port)
				if err != nil {
					m.logger.Error("workerpool: reload spawn failed", zap.Int("port", port), zap.Error(err))
					continue
				}
				workers[port] = &worker{port: port, cmd: cmd, client: &http.Client{Timeout: time.Duration(m.cfg.Server.TimeoutWorkerResponseS) * time.Second}}
				ports = append(ports, port)
			}

			if m.tracker != nil {
				if err := m.tracker.Renormalize(); err != nil {
					m.logger.Error("workerpool: re-normalize pyramid tracker failed", zap.Error(err))
				}
			}

			m.savePIDsLocked(workers)
			req.replyDone <- struct{}{}

		case kindTerminateWorkers:
			killAll(m.logger, workers, m.cfg.Server.TerminateChildsWithPython, m.cfg.CWD, m.cfg.WorkerEnv())
			workers = make(map[int]*worker)
			ports = nil
			index = 0
			req.replyDone <- struct{}{}

		case kindInfoWorkers:
			pids := make([]int, 0, len(workers))
			for _, w := range workers {
				if w.cmd.Process != nil {
					pids = append(pids, w.cmd.Process.Pid)
				}
			}
			req.replyInfo <- collectInfo(pids)

		case kindGetWorkerState:
			now := time.Now()
			if lastReloadTime == nil {
				lastReloadTime = &now
				req.replyState <- StateRunning
				continue
			}
			if now.Sub(*lastReloadTime) < 60*time.Second {
				req.replyState <- StateReloading
			} else {
				lastReloadTime = &now
				req.replyState <- StateRunning
			}
		}
	}
}

// nextRoundRobin advances index and returns the (new index, chosen
// position) pair for a pool of size numPorts, using the original's
// advance-then-return wraparound: index resets to 1 (choosing position 0)
// once it exceeds numPorts-1, otherwise it increments and the
// pre-increment value picks the position.
func nextRoundRobin(index, numPorts int) (newIndex, chosen int) {
	if index > numPorts-1 {
		return 1, 0
	}
	return index + 1, index
}

func (m *Manager) savePIDsLocked(workers map[int]*worker) {
	var ws []*worker
	for _, w := range workers {
		ws = append(ws, w)
	}
	if err := savePIDs(m.cfg.CWD, ws); err != nil {
		m.logger.Warn("workerpool: failed to save PIDs", zap.Error(err))
	}
}

// GetWorkerData returns nil when no workers are live, otherwise the
// current round-robin worker's data, advancing the cursor.
func (m *Manager) GetWorkerData() *WorkerData {
	reply := make(chan *WorkerData, 1)
	m.reqs <- request{kind: kindGetWorkerData, replyData: reply}
	return <-reply
}

func (m *Manager) AddWorkers(count int) {
	reply := make(chan struct{}, 1)
	m.reqs <- request{kind: kindAddWorkers, addCount: count, replyDone: reply}
	<-reply
}

func (m *Manager) ReloadWorkers() {
	reply := make(chan struct{}, 1)
	m.reqs <- request{kind: kindReloadWorkers, replyDone: reply}
	<-reply
}

func (m *Manager) TerminateWorkers() {
	reply := make(chan struct{}, 1)
	m.reqs <- request{kind: kindTerminateWorkers, replyDone: reply}
	<-reply
}

func (m *Manager) InfoWorkers() Info {
	reply := make(chan Info, 1)
	m.reqs <- request{kind: kindInfoWorkers, replyInfo: reply}
	return <-reply
}

func (m *Manager) GetWorkerState() State {
	reply := make(chan State, 1)
	m.reqs <- request{kind: kindGetWorkerState, replyState: reply}
	return <-reply
}

// waitForRendererExit polls once a second, up to timeout, for the renderer
// binary to disappear from the process table. Absence after the deadline
// is not fatal — reload proceeds anyway (§4.1 Failure semantics).
func waitForRendererExit(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		time.Sleep(1 * time.Second)
		if !rendererRunning() {
			return
		}
	}
}

// savePIDs writes one decimal PID per line: worker PIDs first, in the
// format external tools use to terminate the whole process family (§6).
func savePIDs(cwd string, workers []*worker) error {
	path := filepath.Join(cwd, "scripts", "PIDs")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, w := range workers {
		if w.cmd.Process != nil {
			fmt.Fprintln(f, w.cmd.Process.Pid)
		}
	}
	fmt.Fprintln(f, os.Getpid())
	return nil
}
