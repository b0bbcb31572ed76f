package lock

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir, "run-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	info, err := Read(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if info.PID != os.Getpid() || info.RunID != "run-1" {
		t.Errorf("info = %+v", info)
	}

	l.Release()
	l.Release()
	if _, err := os.Stat(Path(dir)); !os.IsNotExist(err) {
		t.Fatal("lock file not removed")
	}
}

func TestAcquireContention(t *testing.T) {
	dir := t.TempDir()
	l, err := Acquire(dir, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Release()

	_, err = Acquire(dir, "run-2")
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("err = %v, want ErrLocked", err)
	}
	if !strings.Contains(err.Error(), "run-1") {
		t.Errorf("error should name the holder: %v", err)
	}
}

func TestAcquireReclaimsStale(t *testing.T) {
	dir := t.TempDir()
	data, _ := json.Marshal(Info{PID: 99999999, RunID: "stale"})
	if err := os.WriteFile(Path(dir), data, 0o644); err != nil {
		t.Fatal(err)
	}

	l, err := Acquire(dir, "fresh")
	if err != nil {
		t.Fatalf("stale lock not reclaimed: %v", err)
	}
	defer l.Release()

	info, _ := Read(dir)
	if info.RunID != "fresh" {
		t.Errorf("run = %q", info.RunID)
	}
}

func TestAcquireCorruptLock(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(Path(dir), []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Acquire(dir, "x"); !errors.Is(err, ErrLocked) {
		t.Fatalf("err = %v", err)
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	if _, err := Remove(dir); !os.IsNotExist(err) {
		t.Fatalf("err = %v, want not-exist", err)
	}
	if _, err := Acquire(dir, "run-9"); err != nil {
		t.Fatal(err)
	}
	info, err := Remove(dir)
	if err != nil || info.RunID != "run-9" {
		t.Fatalf("Remove = %+v, %v", info, err)
	}
	if _, err := os.Stat(Path(dir)); !os.IsNotExist(err) {
		t.Error("lock still present")
	}
}

func TestRemoveCorrupt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(Path(dir), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	info, err := Remove(dir)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if info.PID != 0 {
		t.Errorf("PID = %d, want 0", info.PID)
	}
	if _, err := os.Stat(Path(dir)); !os.IsNotExist(err) {
		t.Error("lock still present")
	}
}

func TestAlive(t *testing.T) {
	if !alive(os.Getpid()) {
		t.Error("own process must be alive")
	}
	for _, pid := range []int{0, -1, 99999999} {
		if alive(pid) {
			t.Errorf("alive(%d) = true", pid)
		}
	}
}
