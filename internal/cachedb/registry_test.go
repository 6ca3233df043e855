package cachedb

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRemoveFilesTripletRequiresAllThree(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ds1.mbtiles")

	// only the main file and the -wal companion exist; -shm is missing
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path+"-wal", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	logger := zap.NewNop()
	removeFiles(logger, path, false, true)
	time.Sleep(150 * time.Millisecond) // removeFiles sleeps 100ms internally before acting

	if _, err := os.Stat(path); err != nil {
		t.Error("main file should NOT have been removed: only two of three companions existed")
	}
	if _, err := os.Stat(path + "-wal"); err != nil {
		t.Error("-wal file should NOT have been removed: only two of three companions existed")
	}
}

func TestRemoveFilesTripletAllPresent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ds1.mbtiles")

	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.WriteFile(path+suffix, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	logger := zap.NewNop()
	removeFiles(logger, path, false, true)
	time.Sleep(150 * time.Millisecond)

	for _, suffix := range []string{"", "-wal", "-shm"} {
		if _, err := os.Stat(path + suffix); !os.IsNotExist(err) {
			t.Errorf("expected %s%s to be removed once all three companions existed", path, suffix)
		}
	}
}

func TestRemoveFilesFolderMode(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "tiles", "ds1")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	marker := filepath.Join(sub, "leftover.png")
	if err := os.WriteFile(marker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	logger := zap.NewNop()
	removeFiles(logger, filepath.Join(sub, "ds1.mbtiles"), true, false)
	time.Sleep(150 * time.Millisecond)

	if _, err := os.Stat(sub); !os.IsNotExist(err) {
		t.Error("expected the enclosing tiles folder to be removed in folder mode")
	}
}
