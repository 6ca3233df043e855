package workerpool

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/tiler/proxy-balancer/internal/config"
)

// spawn builds and starts the worker subprocess command line for the
// configured server type (§4.1): granian or robyn.
func spawn(cfg *config.Config, port int) (*exec.Cmd, error) {
	var cmd *exec.Cmd
	s := cfg.Server

	switch s.TypeServer {
	case config.TypeServerRobyn:
		cmd = exec.Command("python",
			"app_robyn.py",
			fmt.Sprintf("--log-level=%s", s.LogLevelWorker),
			fmt.Sprintf("--workers=%d", s.ThreadWorkers),
			"--processes=1",
			fmt.Sprintf("--port=%d", port),
		)
	default:
		cmd = exec.Command("granian",
			"app_granian:app",
			fmt.Sprintf("--interface=%s", s.Interface),
			"--workers=1",
			fmt.Sprintf("--runtime-threads=%d", s.ThreadWorkers),
			fmt.Sprintf("--blocking-threads=%d", s.BlockingThreads),
			fmt.Sprintf("--port=%d", port),
			fmt.Sprintf("--backlog=%d", s.Backlog),
			fmt.Sprintf("--backpressure=%d", s.Backpressure),
			"--log-config=log_config.json",
		)
	}

	cmd.Env = cfg.WorkerEnv()
	cmd.Dir = cfg.CWD
	// Put the worker in its own process group so killTree can signal the
	// whole tree, not just the direct child (§9 "kill-tree semantics").
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// runCleanupScript invokes the optional Python cleanup program used when
// terminate_childs_with_python is set (§4.1).
func runCleanupScript(cwd string, env []string) error {
	script := filepath.Join(cwd, "scripts", "terminate_childs.py")
	cmd := exec.Command("python", script)
	cmd.Env = env
	cmd.Dir = cwd
	return cmd.Run()
}
