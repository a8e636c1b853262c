package instance

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/teranos/RONIN/errors"
	ronintest "github.com/teranos/RONIN/internal/testing"
)

func TestLoadOrCreate_StableAcrossLoads(t *testing.T) {
	db := ronintest.CreateTestDB(t)
	log := zap.NewNop().Sugar()

	first, err := LoadOrCreate(db, log)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if first.ID == "" {
		t.Fatal("empty instance id")
	}
	if first.CreatedAt.IsZero() {
		t.Error("created_at not stamped")
	}

	second, err := LoadOrCreate(db, log)
	if err != nil {
		t.Fatalf("second LoadOrCreate: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("identity changed across loads: %s then %s", first.ID, second.ID)
	}
}

func TestLoadOrCreate_DistinctPerInstallation(t *testing.T) {
	log := zap.NewNop().Sugar()

	a, err := LoadOrCreate(ronintest.CreateTestDB(t), log)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	b, err := LoadOrCreate(ronintest.CreateTestDB(t), log)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if a.ID == b.ID {
		t.Errorf("two installations share the id %s", a.ID)
	}
}

func TestAcquire_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ronin.db.lock")
	log := zap.NewNop().Sugar()

	l, err := Acquire(path, "agent-one", log)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release()

	_, err = Acquire(path, "agent-two", log)
	if !errors.Is(err, errors.ErrAlreadyRunning) {
		t.Fatalf("error = %v, want already running", err)
	}
	// The refusal names the owner so the operator can act on it
	if !strings.Contains(err.Error(), strconv.Itoa(os.Getpid())) {
		t.Errorf("error = %v, want the owning pid in the message", err)
	}
	if !strings.Contains(err.Error(), "agent-one") {
		t.Errorf("error = %v, want the owning instance in the message", err)
	}
}

func TestAcquire_AfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ronin.db.lock")
	log := zap.NewNop().Sugar()

	l, err := Acquire(path, "agent-one", log)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	l.Release()

	l, err = Acquire(path, "agent-two", log)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	l.Release()
}

func TestAcquire_StaleLockTakenOver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ronin.db.lock")
	log := zap.NewNop().Sugar()

	// A pid far beyond any real pid_max: the owner is long dead
	if err := os.WriteFile(path, []byte("999999999 crashed-agent\n"), 0644); err != nil {
		t.Fatalf("plant stale lock: %v", err)
	}

	l, err := Acquire(path, "agent-new", log)
	if err != nil {
		t.Fatalf("takeover failed: %v", err)
	}
	defer l.Release()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read lock: %v", err)
	}
	if !strings.Contains(string(data), "agent-new") {
		t.Errorf("lock content = %q, want the new owner", data)
	}
}

func TestAcquire_GarbageLockTreatedAsStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ronin.db.lock")
	log := zap.NewNop().Sugar()

	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0644); err != nil {
		t.Fatalf("plant garbage lock: %v", err)
	}

	l, err := Acquire(path, "agent-new", log)
	if err != nil {
		t.Fatalf("Acquire over garbage: %v", err)
	}
	l.Release()
}

func TestRelease_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ronin.db.lock")
	log := zap.NewNop().Sugar()

	l, err := Acquire(path, "agent-one", log)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	l.Release()
	l.Release() // second release must not blow up
}
