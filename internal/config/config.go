// Package config loads and validates the proxy's startup configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
)

// TypeServer is the worker application server the spawned subprocesses run.
type TypeServer string

const (
	TypeServerGranian TypeServer = "granian"
	TypeServerRobyn   TypeServer = "robyn"
)

// ReloadTime is a wall-clock h:m:s trigger for the scheduled reloader.
type ReloadTime struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
	Second int `json:"second"`
}

// PortRange is the inclusive [From, To] range workers are allocated from.
type PortRange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// Server is the `server` subtree of config_app.json.
type Server struct {
	TypeServer    TypeServer `json:"type_server"`
	Host          string     `json:"host"`
	Port          int        `json:"port"`
	Master        bool       `json:"master"`
	Address       string     `json:"address"`

	TimeoutWorkerResponseS int `json:"timeout_worker_response_s"`
	TimeoutPullJobS        int `json:"timeout_pull_job_s"`

	ProcessesWorkers int `json:"processes_workers"`
	ThreadWorkers    int `json:"thread_workers"`
	BlockingThreads  int `json:"blocking_threads"`
	Backlog          int `json:"backlog"`
	Backpressure     int `json:"backpressure"`
	Interface        string `json:"interface"`

	WorkerPortRange               PortRange  `json:"worker_port_range"`
	WorkerReloadTime              ReloadTime `json:"worker_reload_time"`
	WorkerReloadPeriodicityDays   int        `json:"worker_reload_periodicity_days"`
	WorkerReloadRepeatMinutes     int        `json:"worker_reload_repeat_minutes"`
	WorkerReloadRepeatAttempts    int        `json:"worker_reload_repeat_attempts"`

	TerminateChildsWithPython bool `json:"terminate_childs_with_python"`
	MaxConcurrentTileRequests int  `json:"max_concurrent_tile_requests"`

	LogLevelWorker string `json:"log_level_worker"`
}

// Config is the full process configuration: the JSON server subtree plus
// environment-sourced secrets and paths, mirroring the teacher's split
// between a JSON config file and an envconfig-processed environment layer.
type Config struct {
	Server Server

	DBHost string `envconfig:"DBHOST" required:"true"`
	DBPort string `envconfig:"DBPORT" required:"true"`
	DBName string `envconfig:"DBNAME" required:"true"`
	DBUser string `envconfig:"DBUSER" required:"true"`
	DBPass string `envconfig:"DBPASS" required:"true"`

	RedisURL string `envconfig:"REDIS_URL" default:""`
	NATSURL  string `envconfig:"NATS_URL" default:""`

	GDALHome   string `envconfig:"GDAL_HOME" required:"true"`
	PythonPath string `envconfig:"PYTHONPATH" required:"true"`
	ProjLib    string `envconfig:"PROJ_LIB"`

	CWD string
}

// defaults holds the defaulted fields applied when a key is absent from the
// config file, matching §6's "Defaulted keys".
var defaults = Server{
	TimeoutWorkerResponseS:    5,
	TimeoutPullJobS:           60,
	BlockingThreads:           1,
	Backlog:                   8196,
	Backpressure:              200000,
	TerminateChildsWithPython: false,
}

// Load reads config_app.json from path, overlays required environment
// variables, and validates cross-field invariants. Any failure here is
// fatal at startup (apperr.KindConfigInvalid).
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var doc struct {
		Server Server `json:"server"`
	}
	doc.Server = defaults
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg := &Config{Server: doc.Server}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	if cwd, err := os.Getwd(); err == nil {
		cfg.CWD = cwd
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	s := &c.Server
	if s.TypeServer == TypeServerGranian && s.Interface != "asgi" {
		return fmt.Errorf("config: type_server=granian requires interface=asgi, got %q", s.Interface)
	}
	rangeSize := s.WorkerPortRange.To - s.WorkerPortRange.From + 1
	if rangeSize < s.ProcessesWorkers {
		return fmt.Errorf("config: worker_port_range [%d,%d] (%d ports) too small for %d workers",
			s.WorkerPortRange.From, s.WorkerPortRange.To, rangeSize, s.ProcessesWorkers)
	}
	if s.ProcessesWorkers <= 0 {
		return fmt.Errorf("config: processes_workers must be > 0")
	}
	if s.MaxConcurrentTileRequests <= 0 {
		return fmt.Errorf("config: max_concurrent_tile_requests must be > 0")
	}
	return nil
}

// PostgresURL builds the lib/pq connection string from the environment layer.
func (c *Config) PostgresURL() string {
	return fmt.Sprintf("host=%s port=%s dbname=%s user=%s password=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPass)
}

// WorkerEnv builds the environment variables propagated to spawned worker
// subprocesses (§6: GDAL/PYTHONPATH mandatory; PATH, LD_LIBRARY_PATH,
// PROJ_LIB rewritten to prepend GDAL/Python paths), mirroring
// environment.rs's setup_envs on Unix: PATH gets
// PYTHONPATH/bin:PYTHONPATH:GDAL_HOME/bin:GDAL_HOME prepended,
// LD_LIBRARY_PATH gets PYTHONPATH/lib prepended and GDAL_HOME/lib appended,
// and PROJ_LIB is set to GDAL_HOME/share/proj.
func (c *Config) WorkerEnv() []string {
	env := os.Environ()
	sep := string(os.PathListSeparator)
	gdalBin := filepath.Join(c.GDALHome, "bin")
	pyBin := filepath.Join(c.PythonPath, "bin")
	pyLib := filepath.Join(c.PythonPath, "lib")
	gdalLib := filepath.Join(c.GDALHome, "lib")

	newPath := pyBin + sep + c.PythonPath + sep + gdalBin + sep + c.GDALHome
	if path := os.Getenv("PATH"); path != "" {
		newPath += sep + path
	}
	env = append(env, "PATH="+newPath)

	newLDPath := pyLib
	if ldPath := os.Getenv("LD_LIBRARY_PATH"); ldPath != "" {
		newLDPath += sep + ldPath
	}
	newLDPath += sep + gdalLib
	env = append(env, "LD_LIBRARY_PATH="+newLDPath)

	env = append(env, "GDAL_HOME="+c.GDALHome)
	env = append(env, "PYTHONPATH="+c.PythonPath)
	env = append(env, "PROJ_LIB="+filepath.Join(c.GDALHome, "share", "proj"))

	return env
}
