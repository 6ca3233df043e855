// Package tilecache resolves a tile URI and reads it from the disk cache
// or embedded cache-DB, before any worker dispatch is considered (spec C8
// / §4.2 "Tile endpoint").
package tilecache

import (
	"bytes"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tiler/proxy-balancer/internal/cachedb"
)

// MaxZoom is the highest zoom level ever served; requests above it are
// rejected outright (§4.2).
const MaxZoom = 24

var gzipMagic = []byte{0x1f, 0x8b, 0x08}

// Coordinates is a parsed tile URI (§4.2 "(datasource, z, x, y, ext)").
type Coordinates struct {
	DataSource string
	Z, X, Y    int
	Ext        string
}

// ParseURI parses "/api/tile/{ds}/{z}/{x}/{y}.{ext}" into its coordinates.
// Only png, mvt, and pbf extensions are accepted (§4.2).
func ParseURI(path string) (Coordinates, bool) {
	path = strings.TrimPrefix(path, "/api/tile/")
	parts := strings.Split(path, "/")
	if len(parts) != 4 {
		return Coordinates{}, false
	}

	ds := parts[0]
	z, err := strconv.Atoi(parts[1])
	if err != nil {
		return Coordinates{}, false
	}
	x, err := strconv.Atoi(parts[2])
	if err != nil {
		return Coordinates{}, false
	}

	yExt := strings.SplitN(parts[3], ".", 2)
	if len(yExt) != 2 {
		return Coordinates{}, false
	}
	y, err := strconv.Atoi(yExt[0])
	if err != nil {
		return Coordinates{}, false
	}

	ext := yExt[1]
	if ext != "png" && ext != "mvt" && ext != "pbf" {
		return Coordinates{}, false
	}

	return Coordinates{DataSource: ds, Z: z, X: x, Y: y, Ext: ext}, true
}

// ContentType maps a tile extension to its HTTP content type (§4.2).
func ContentType(ext string) string {
	switch ext {
	case "png":
		return "image/png"
	case "mvt", "pbf":
		return "application/vnd.mapbox-vector-tile"
	default:
		return ""
	}
}

// Result is the outcome of a cache lookup.
type Result struct {
	Data        []byte
	ContentType string
	Gzipped     bool
}

// ErrEmptyFile is returned when the on-disk tile file exists but has zero
// length, which the router maps to a 400 response (§4.2).
var ErrEmptyFile = fmt.Errorf("tilecache: on-disk tile file is empty")

// ReadDisk reads {cwd}/tiles/{ds}/{z}/{x}/{y}.{ext}. A missing file is not
// an error: the caller falls through to the cache DB.
func ReadDisk(cwd string, c Coordinates) (Result, bool, error) {
	path := filepath.Join(cwd, "tiles", c.DataSource, strconv.Itoa(c.Z), strconv.Itoa(c.X), fmt.Sprintf("%d.%s", c.Y, c.Ext))

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	if len(data) == 0 {
		return Result{}, true, ErrEmptyFile
	}

	return Result{
		Data:        data,
		ContentType: ContentType(c.Ext),
		Gzipped:     bytes.HasPrefix(data, gzipMagic),
	}, true, nil
}

// ReadCacheDB queries the embedded SQLite cache-DB handle for the tile
// blob. A miss (sql.ErrNoRows) is not an error: the caller decides between
// a worker dispatch and a cache-only 204 (§4.2).
func ReadCacheDB(cache *cachedb.Registry, dbPath string, c Coordinates) (Result, bool, error) {
	handle, err := cache.Get(dbPath)
	if err != nil {
		return Result{}, false, err
	}

	var data []byte
	err = handle.QueryRow(
		`SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ? LIMIT 1`,
		c.Z, c.X, c.Y).Scan(&data)
	if err == sql.ErrNoRows {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}

	return Result{
		Data:        data,
		ContentType: ContentType(c.Ext),
		Gzipped:     bytes.HasPrefix(data, gzipMagic),
	}, true, nil
}

// CacheDBPath builds the canonical per-datasource cache-DB file path.
func CacheDBPath(cwd, datasourceID string) string {
	return filepath.Join(cwd, "tiles", datasourceID, datasourceID+".mbtiles")
}
