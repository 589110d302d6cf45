package utils

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestDBLockSerializesHolders(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "casefile.sqlite")

	first, err := NewDBLock(dbPath)
	if err != nil {
		t.Fatalf("NewDBLock: %v", err)
	}
	if err := first.Lock(context.Background()); err != nil {
		t.Fatalf("first Lock: %v", err)
	}

	second, err := NewDBLock(dbPath)
	if err != nil {
		t.Fatalf("NewDBLock: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := second.Lock(ctx); err == nil {
		t.Fatal("second Lock succeeded while first held the lock")
	}

	if err := first.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := second.Lock(context.Background()); err != nil {
		t.Fatalf("second Lock after release: %v", err)
	}
	if err := second.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

func TestGetAbsDBPath(t *testing.T) {
	got, err := GetAbsDBPath("casefile.sqlite")
	if err != nil {
		t.Fatal(err)
	}
	if !filepath.IsAbs(got) {
		t.Errorf("GetAbsDBPath returned relative path %q", got)
	}

	def, err := GetAbsDBPath("")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(def) != "casefile.sqlite" || filepath.Base(filepath.Dir(def)) != "casefile" {
		t.Errorf("unexpected default path %q", def)
	}
}
