package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.PageSize = 25
	cfg.QueueTTL = Duration(48 * time.Hour)
	cfg.LiveOverlap = Duration(3 * time.Second)

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if got.PageSize != 25 {
		t.Errorf("page size = %d, want 25", got.PageSize)
	}
	if got.QueueTTL.Std() != 48*time.Hour {
		t.Errorf("queue ttl = %v, want 48h", got.QueueTTL.Std())
	}
	if got.LiveOverlap.Std() != 3*time.Second {
		t.Errorf("live overlap = %v, want 3s", got.LiveOverlap.Std())
	}
}

func TestLoadAppliesDefaultsForAbsentKeys(t *testing.T) {
	// A sparse hand-written file keeps defaults for everything it omits.
	sparse := filepath.Join(t.TempDir(), "sparse.toml")
	writeFile(t, sparse, "page_size = 10\n")

	got, err := Load(sparse)
	if err != nil {
		t.Fatal(err)
	}
	if got.PageSize != 10 {
		t.Errorf("page size = %d, want 10", got.PageSize)
	}
	if got.EditWindow.Std() != 15*time.Minute {
		t.Errorf("edit window = %v, want default 15m", got.EditWindow.Std())
	}
	if got.QueueInterval.Std() != 30*time.Second {
		t.Errorf("queue interval = %v, want default 30s", got.QueueInterval.Std())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
