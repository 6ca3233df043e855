package pyramidtracker

import (
	"path/filepath"
	"testing"
)

func openTestTracker(t *testing.T) *Tracker {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiler.db")
	tr, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestAnyRunningReflectsStartAndFinish(t *testing.T) {
	tr := openTestTracker(t)

	if running, err := tr.AnyRunning(); err != nil {
		t.Fatalf("AnyRunning: %v", err)
	} else if running {
		t.Fatal("expected no pyramid running on a fresh tracker")
	}

	id, err := tr.Start("ds1", "ds1", `{}`)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if running, err := tr.AnyRunning(); err != nil {
		t.Fatalf("AnyRunning: %v", err)
	} else if !running {
		t.Fatal("expected a pyramid to be reported running after Start")
	}

	if err := tr.Finish(id); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if running, err := tr.AnyRunning(); err != nil {
		t.Fatalf("AnyRunning: %v", err)
	} else if running {
		t.Fatal("expected no pyramid running after Finish")
	}
}

func TestRenormalizeCompletesCrashedRows(t *testing.T) {
	tr := openTestTracker(t)

	if _, err := tr.Start("ds1", "ds1", `{}`); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// simulate a crash: the row is left running=1, finish_time IS NULL

	if err := tr.Renormalize(); err != nil {
		t.Fatalf("Renormalize: %v", err)
	}

	if running, err := tr.AnyRunning(); err != nil {
		t.Fatalf("AnyRunning: %v", err)
	} else if running {
		t.Error("expected Renormalize to mark the crashed row complete")
	}
}

func TestOpenNormalizesExistingCrashedRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiler.db")

	tr1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := tr1.Start("ds1", "ds1", `{}`); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tr1.Close() // simulate the process dying with a row still "running"

	tr2, err := Open(path)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	defer tr2.Close()

	if running, err := tr2.AnyRunning(); err != nil {
		t.Fatalf("AnyRunning: %v", err)
	} else if running {
		t.Error("expected Open's startup normalization to complete rows left running by a crash")
	}
}
