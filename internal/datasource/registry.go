// Package datasource owns the in-memory datasource registry (spec C3): a
// map rebuilt from the relational store on every UpdateDataSources event,
// plus the side effects that rebuild triggers (tile directory and cache-DB
// schema assurance, Redis mirroring, peer propagation).
package datasource

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tiler/proxy-balancer/internal/cachedb"
	"github.com/tiler/proxy-balancer/internal/config"
	"github.com/tiler/proxy-balancer/internal/datastore"
)

// Info is the projected view consulted on every tile/pyramid request (§3
// "DataSourceInfo{host?, port?, use_cache_only?, compress_tiles?}").
type Info struct {
	Host          string
	Port          int
	UseCacheOnly  bool
	CompressTiles bool
	Mbtiles       bool
}

// Local reports whether this datasource is served locally: no host/port set,
// or host:port equals the server's own address.
func (i Info) Local(selfAddress string) bool {
	if i.Host == "" || i.Port == 0 {
		return true
	}
	return selfAddress != "" && fmt.Sprintf("%s:%d", i.Host, i.Port) == selfAddress
}

type kind int

const (
	kindLookup kind = iota
	kindUpdate
	kindSnapshot
)

type request struct {
	kind          kind
	id            string
	isHeaderMaster bool

	replyInfo chan lookupReply
	replyAll  chan map[string]Info
	replyDone chan struct{}
}

type lookupReply struct {
	info Info
	ok   bool
}

// Registry is the C3 actor handle.
type Registry struct {
	cfg    *config.Config
	db     *datastore.DB
	cache  *cachedb.Registry
	redis  *redis.Client
	logger *zap.Logger
	client *http.Client

	reqs chan request
}

// New starts the registry actor and performs an initial synchronous
// rebuild so the first request handled has a populated map.
func New(cfg *config.Config, db *datastore.DB, cache *cachedb.Registry, redisClient *redis.Client, logger *zap.Logger) *Registry {
	r := &Registry{
		cfg:    cfg,
		db:     db,
		cache:  cache,
		redis:  redisClient,
		logger: logger,
		client: &http.Client{Timeout: time.Duration(cfg.Server.TimeoutWorkerResponseS) * time.Second},
		reqs:   make(chan request),
	}
	go r.run()
	r.Update(true) // seed without triggering peer fan-out on startup
	return r
}

func (r *Registry) run() {
	table := make(map[string]Info)

	for req := range r.reqs {
		switch req.kind {
		case kindLookup:
			info, ok := table[req.id]
			if !ok {
				info, ok = r.lookupRedis(req.id)
			}
			req.replyInfo <- lookupReply{info: info, ok: ok}

		case kindSnapshot:
			snap := make(map[string]Info, len(table))
			for k, v := range table {
				snap[k] = v
			}
			req.replyAll <- snap

		case kindUpdate:
			fresh, err := r.rebuild()
			if err != nil {
				r.logger.Error("datasource: rebuild failed", zap.Error(err))
				req.replyDone <- struct{}{}
				continue
			}
			table = fresh
			if r.cfg.Server.Master && !req.isHeaderMaster {
				go r.propagate(table)
			}
			req.replyDone <- struct{}{}
		}
	}
}

// rebuild reloads every datasource row, ensures its on-disk tile directory
// and cache-DB schema exist, and mirrors the projection into Redis.
func (r *Registry) rebuild() (map[string]Info, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows, err := datastore.ListDataSources(ctx, r.db)
	if err != nil {
		return nil, err
	}

	table := make(map[string]Info, len(rows))
	for _, row := range rows {
		info := projectInfo(row)
		table[row.Identifier] = info
		r.ensureLocalAssets(row.Identifier, info)
		r.mirrorToRedis(ctx, row.Identifier, info)
	}
	return table, nil
}

// projectInfo extracts DataSourceInfo fields out of the row's arbitrary
// "data" JSON blob, per §3's "projected into memory as DataSourceInfo".
func projectInfo(row datastore.DataSource) Info {
	info := Info{Mbtiles: row.Mbtiles.Valid && row.Mbtiles.Bool}
	if row.Host.Valid {
		info.Host = row.Host.String
	}
	if row.Port.Valid {
		info.Port = int(row.Port.Int32)
	}

	if len(row.Data) > 0 {
		var flags struct {
			UseCacheOnly  bool `json:"use_cache_only"`
			CompressTiles bool `json:"compress_tiles"`
		}
		if err := json.Unmarshal(row.Data, &flags); err == nil {
			info.UseCacheOnly = flags.UseCacheOnly
			info.CompressTiles = flags.CompressTiles
		}
	}
	return info
}

// ensureLocalAssets creates the tile directory for every datasource and, for
// mbtiles-backed ones, makes sure the cache-DB file has the standard schema.
func (r *Registry) ensureLocalAssets(id string, info Info) {
	dir := filepath.Join(r.cfg.CWD, "tiles", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.logger.Warn("datasource: ensure tile dir failed", zap.String("id", id), zap.Error(err))
		return
	}

	if !info.Mbtiles {
		return
	}
	path := filepath.Join(dir, id+".mbtiles")
	handle, err := r.cache.Get(path)
	if err != nil {
		r.logger.Warn("datasource: ensure cache db failed", zap.String("id", id), zap.Error(err))
		return
	}
	if err := ensureSchema(handle); err != nil {
		r.logger.Warn("datasource: ensure cache db schema failed", zap.String("id", id), zap.Error(err))
	}
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS tiles (
		zoom_level INTEGER,
		tile_column INTEGER,
		tile_row INTEGER,
		tile_data BLOB
	)`)
	return err
}

// mirrorToRedis is a best-effort, non-authoritative cache: a Redis outage
// never fails a rebuild, since the in-memory map remains the source of truth
// consulted on the request path.
func (r *Registry) mirrorToRedis(ctx context.Context, id string, info Info) {
	if r.redis == nil {
		return
	}
	payload, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := r.redis.Set(ctx, "datasource:"+id, payload, time.Hour).Err(); err != nil {
		r.logger.Warn("datasource: redis mirror failed", zap.String("id", id), zap.Error(err))
	}
}

func (r *Registry) lookupRedis(id string) (Info, bool) {
	if r.redis == nil {
		return Info{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload, err := r.redis.Get(ctx, "datasource:"+id).Bytes()
	if err != nil {
		return Info{}, false
	}
	var info Info
	if err := json.Unmarshal(payload, &info); err != nil {
		return Info{}, false
	}
	return info, true
}

// propagate asynchronously refreshes every peer server's own registry,
// tagging the request with Master-Server so the peer does not refan out
// (§4.7, §6 "Master-Server header").
func (r *Registry) propagate(table map[string]Info) {
	seen := make(map[string]bool)
	for _, info := range table {
		if info.Host == "" || info.Port == 0 {
			continue
		}
		peer := fmt.Sprintf("%s:%d", info.Host, info.Port)
		if peer == r.cfg.Server.Address || seen[peer] {
			continue
		}
		seen[peer] = true

		req, err := http.NewRequest(http.MethodGet, "http://"+peer+"/api/datasources", nil)
		if err != nil {
			continue
		}
		req.Header.Set("Master-Server", r.cfg.Server.Address)

		resp, err := r.client.Do(req)
		if err != nil {
			r.logger.Warn("datasource: peer propagate failed", zap.String("peer", peer), zap.Error(err))
			continue
		}
		resp.Body.Close()
	}
}

// Lookup resolves a datasource identifier to its projected info.
func (r *Registry) Lookup(id string) (Info, bool) {
	reply := make(chan lookupReply, 1)
	r.reqs <- request{kind: kindLookup, id: id, replyInfo: reply}
	rep := <-reply
	return rep.info, rep.ok
}

// Snapshot returns a copy of the full current table.
func (r *Registry) Snapshot() map[string]Info {
	reply := make(chan map[string]Info, 1)
	r.reqs <- request{kind: kindSnapshot, replyAll: reply}
	return <-reply
}

// Update triggers a full rebuild from the relational store. isHeaderMaster
// should be true when the triggering write already carried the
// Master-Server header, suppressing further peer fan-out (§6).
func (r *Registry) Update(isHeaderMaster bool) {
	reply := make(chan struct{}, 1)
	r.reqs <- request{kind: kindUpdate, isHeaderMaster: isHeaderMaster, replyDone: reply}
	<-reply
}
