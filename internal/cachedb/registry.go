// Package cachedb owns the registry of open embedded-SQLite cache-database
// handles, one per datasource, as a single actor goroutine (spec C1).
package cachedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
	"go.uber.org/zap"
)

// Registry serializes all handle lifecycle operations through one goroutine,
// so "at most one live handle per path" (§4.6) never races.
type Registry struct {
	logger *zap.Logger
	reqs   chan request
}

type request struct {
	kind   kind
	path   string
	handle *sql.DB

	removeTilesFolder bool
	removeTilesDB      bool

	reply chan reply
}

type reply struct {
	handle *sql.DB
	ok     bool
	err    error
}

type kind int

const (
	kindGet kind = iota
	kindAdd
	kindRemove
	kindCloseAll
)

// New starts the registry actor.
func New(logger *zap.Logger) *Registry {
	r := &Registry{logger: logger, reqs: make(chan request)}
	go r.run()
	return r
}

func (r *Registry) run() {
	handles := make(map[string]*sql.DB)

	for req := range r.reqs {
		switch req.kind {
		case kindGet:
			if h, ok := handles[req.path]; ok {
				req.reply <- reply{handle: h, ok: true}
				continue
			}
			h, err := open(req.path)
			if err != nil {
				req.reply <- reply{err: err}
				continue
			}
			handles[req.path] = h
			req.reply <- reply{handle: h, ok: true}

		case kindAdd:
			handles[req.path] = req.handle
			req.reply <- reply{ok: true}

		case kindRemove:
			if h, ok := handles[req.path]; ok {
				h.Close()
				delete(handles, req.path)
			}
			go removeFiles(r.logger, req.path, req.removeTilesFolder, req.removeTilesDB)
			req.reply <- reply{ok: true}

		case kindCloseAll:
			for path, h := range handles {
				if err := h.Close(); err != nil {
					r.logger.Warn("cachedb: close failed", zap.String("path", path), zap.Error(err))
				}
			}
			handles = make(map[string]*sql.DB)
			req.reply <- reply{ok: true}
		}
	}
}

func open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("cachedb: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// removeFiles best-effort-deletes the enclosing tiles folder, or the three
// companion cache-DB files, after a short settle delay (§4.6, §5).
func removeFiles(logger *zap.Logger, path string, removeFolder, removeDB bool) {
	time.Sleep(100 * time.Millisecond)

	if removeFolder {
		dir := filepath.Dir(path)
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("cachedb: remove tiles folder failed", zap.String("dir", dir), zap.Error(err))
		}
		return
	}

	if removeDB {
		companions := []string{path, path + "-wal", path + "-shm"}
		allExist := true
		for _, p := range companions {
			if _, err := os.Stat(p); err != nil {
				allExist = false
				break
			}
		}
		// Open question (§9): only remove the triplet when all three exist.
		if !allExist {
			return
		}
		for _, p := range companions {
			if err := os.Remove(p); err != nil {
				logger.Warn("cachedb: remove companion file failed", zap.String("path", p), zap.Error(err))
			}
		}
	}
}

// Get returns the handle for path, opening it lazily in WAL mode if absent.
func (r *Registry) Get(path string) (*sql.DB, error) {
	reply := make(chan reply, 1)
	r.reqs <- request{kind: kindGet, path: path, reply: reply}
	rep := <-reply
	return rep.handle, rep.err
}

// Add inserts a pre-opened handle, replacing any existing one for path.
func (r *Registry) Add(path string, handle *sql.DB) {
	reply := make(chan reply, 1)
	r.reqs <- request{kind: kindAdd, path: path, handle: handle, reply: reply}
	<-reply
}

// Remove closes and forgets the handle for path, then best-effort deletes
// on-disk artifacts per removeTilesFolder/removeTilesDB.
func (r *Registry) Remove(path string, removeTilesFolder, removeTilesDB bool) {
	reply := make(chan reply, 1)
	r.reqs <- request{kind: kindRemove, path: path, removeTilesFolder: removeTilesFolder, removeTilesDB: removeTilesDB, reply: reply}
	<-reply
}

// CloseAll closes every open handle, best-effort, used on shutdown.
func (r *Registry) CloseAll() {
	reply := make(chan reply, 1)
	r.reqs <- request{kind: kindCloseAll, reply: reply}
	<-reply
}
