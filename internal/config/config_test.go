package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func baseValidConfig() *Config {
	cfg := &Config{}
	cfg.Server.TypeServer = TypeServerRobyn
	cfg.Server.Interface = "wsgi"
	cfg.Server.WorkerPortRange = PortRange{From: 9000, To: 9010}
	cfg.Server.ProcessesWorkers = 4
	cfg.Server.MaxConcurrentTileRequests = 10
	return cfg
}

func TestValidateGranianRequiresASGI(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Server.TypeServer = TypeServerGranian
	cfg.Server.Interface = "wsgi"

	if err := cfg.validate(); err == nil {
		t.Fatal("expected validate to reject granian with a non-asgi interface")
	}

	cfg.Server.Interface = "asgi"
	if err := cfg.validate(); err != nil {
		t.Errorf("expected granian+asgi to validate, got %v", err)
	}
}

func TestValidatePortRangeTooSmall(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Server.WorkerPortRange = PortRange{From: 9000, To: 9002} // 3 ports
	cfg.Server.ProcessesWorkers = 4

	if err := cfg.validate(); err == nil {
		t.Fatal("expected validate to reject a port range smaller than processes_workers")
	}
}

func TestValidateProcessesWorkersMustBePositive(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Server.ProcessesWorkers = 0

	if err := cfg.validate(); err == nil {
		t.Fatal("expected validate to reject processes_workers <= 0")
	}
}

func TestValidateMaxConcurrentTileRequestsMustBePositive(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Server.MaxConcurrentTileRequests = 0

	if err := cfg.validate(); err == nil {
		t.Fatal("expected validate to reject max_concurrent_tile_requests <= 0")
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := baseValidConfig()
	if err := cfg.validate(); err != nil {
		t.Errorf("expected a well-formed config to validate, got %v", err)
	}
}

// envValue returns the last KEY= entry, the one os/exec passes on when a key
// repeats (WorkerEnv appends its overrides after os.Environ()).
func envValue(env []string, key string) (string, bool) {
	prefix := key + "="
	value, found := "", false
	for _, e := range env {
		if strings.HasPrefix(e, prefix) {
			value, found = strings.TrimPrefix(e, prefix), true
		}
	}
	return value, found
}

func TestWorkerEnvSetsGDALVars(t *testing.T) {
	cfg := &Config{GDALHome: "/opt/gdal", PythonPath: "/opt/py"}
	env := cfg.WorkerEnv()

	want := map[string]string{
		"GDAL_HOME":  "/opt/gdal",
		"PYTHONPATH": "/opt/py",
		"PROJ_LIB":   filepath.Join("/opt/gdal", "share", "proj"),
	}
	for k, v := range want {
		got, found := envValue(env, k)
		if !found {
			t.Errorf("expected WorkerEnv to contain %q", k)
			continue
		}
		if got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestWorkerEnvPrependsPATH(t *testing.T) {
	cfg := &Config{GDALHome: "/opt/gdal", PythonPath: "/opt/py"}
	env := cfg.WorkerEnv()

	path, found := envValue(env, "PATH")
	if !found {
		t.Fatal("expected WorkerEnv to set PATH")
	}

	wantPrefix := filepath.Join("/opt/py", "bin") + string(os.PathListSeparator) +
		"/opt/py" + string(os.PathListSeparator) +
		filepath.Join("/opt/gdal", "bin") + string(os.PathListSeparator) +
		"/opt/gdal"
	if !strings.HasPrefix(path, wantPrefix) {
		t.Errorf("PATH = %q, want it to start with %q (python/bin : python : gdal/bin : gdal)", path, wantPrefix)
	}
}

func TestWorkerEnvPrependsLDLibraryPath(t *testing.T) {
	cfg := &Config{GDALHome: "/opt/gdal", PythonPath: "/opt/py"}
	env := cfg.WorkerEnv()

	ldPath, found := envValue(env, "LD_LIBRARY_PATH")
	if !found {
		t.Fatal("expected WorkerEnv to set LD_LIBRARY_PATH")
	}
	if !strings.HasPrefix(ldPath, filepath.Join("/opt/py", "lib")) {
		t.Errorf("LD_LIBRARY_PATH = %q, want it to start with python lib dir", ldPath)
	}
	if !strings.HasSuffix(ldPath, filepath.Join("/opt/gdal", "lib")) {
		t.Errorf("LD_LIBRARY_PATH = %q, want it to end with gdal lib dir", ldPath)
	}
}
