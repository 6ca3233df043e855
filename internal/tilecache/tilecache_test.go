package tilecache_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tiler/proxy-balancer/internal/tilecache"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		name string
		path string
		ok   bool
		want tilecache.Coordinates
	}{
		{
			name: "valid png",
			path: "/api/tile/ds1/5/10/15.png",
			ok:   true,
			want: tilecache.Coordinates{DataSource: "ds1", Z: 5, X: 10, Y: 15, Ext: "png"},
		},
		{
			name: "valid mvt",
			path: "/api/tile/ds1/0/0/0.mvt",
			ok:   true,
			want: tilecache.Coordinates{DataSource: "ds1", Z: 0, X: 0, Y: 0, Ext: "mvt"},
		},
		{
			name: "rejected extension",
			path: "/api/tile/ds1/5/10/15.jpg",
			ok:   false,
		},
		{
			name: "malformed, missing segment",
			path: "/api/tile/ds1/5/10",
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tilecache.ParseURI(tt.path)
			if ok != tt.ok {
				t.Fatalf("ParseURI(%q) ok = %v, want %v", tt.path, ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("ParseURI(%q) = %+v, want %+v", tt.path, got, tt.want)
			}
		})
	}
}

func TestContentType(t *testing.T) {
	cases := map[string]string{
		"png": "image/png",
		"mvt": "application/vnd.mapbox-vector-tile",
		"pbf": "application/vnd.mapbox-vector-tile",
		"jpg": "",
	}
	for ext, want := range cases {
		if got := tilecache.ContentType(ext); got != want {
			t.Errorf("ContentType(%q) = %q, want %q", ext, got, want)
		}
	}
}

func TestReadDiskGzipDetection(t *testing.T) {
	cwd := t.TempDir()
	coords := tilecache.Coordinates{DataSource: "ds1", Z: 5, X: 10, Y: 15, Ext: "png"}
	dir := filepath.Join(cwd, "tiles", "ds1", "5", "10")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	gzipped := append([]byte{0x1f, 0x8b, 0x08}, []byte("fake-compressed-body")...)
	if err := os.WriteFile(filepath.Join(dir, "15.png"), gzipped, 0o644); err != nil {
		t.Fatal(err)
	}

	res, found, err := tilecache.ReadDisk(cwd, coords)
	if err != nil {
		t.Fatalf("ReadDisk: %v", err)
	}
	if !found {
		t.Fatal("expected tile to be found on disk")
	}
	if !res.Gzipped {
		t.Error("expected gzip magic to be detected")
	}
	if res.ContentType != "image/png" {
		t.Errorf("content type = %q, want image/png", res.ContentType)
	}
}

func TestReadDiskPlainBody(t *testing.T) {
	cwd := t.TempDir()
	coords := tilecache.Coordinates{DataSource: "ds1", Z: 5, X: 10, Y: 15, Ext: "png"}
	dir := filepath.Join(cwd, "tiles", "ds1", "5", "10")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "15.png"), []byte("not-gzipped"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, found, err := tilecache.ReadDisk(cwd, coords)
	if err != nil {
		t.Fatalf("ReadDisk: %v", err)
	}
	if !found {
		t.Fatal("expected tile to be found on disk")
	}
	if res.Gzipped {
		t.Error("did not expect gzip magic on a plain body")
	}
}

func TestReadDiskEmptyFile(t *testing.T) {
	cwd := t.TempDir()
	coords := tilecache.Coordinates{DataSource: "ds1", Z: 5, X: 10, Y: 15, Ext: "png"}
	dir := filepath.Join(cwd, "tiles", "ds1", "5", "10")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "15.png"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	_, found, err := tilecache.ReadDisk(cwd, coords)
	if err != tilecache.ErrEmptyFile {
		t.Fatalf("expected ErrEmptyFile, got found=%v err=%v", found, err)
	}
}

func TestReadDiskMissing(t *testing.T) {
	cwd := t.TempDir()
	coords := tilecache.Coordinates{DataSource: "ds1", Z: 5, X: 10, Y: 15, Ext: "png"}

	_, found, err := tilecache.ReadDisk(cwd, coords)
	if err != nil {
		t.Fatalf("ReadDisk: %v", err)
	}
	if found {
		t.Error("expected a missing file to report found=false, not an error")
	}
}
