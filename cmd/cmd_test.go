package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func TestReadInputFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.json")
	if err := os.WriteFile(path, []byte(`{"name":"Asha"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := readInput([]string{path})
	if err != nil {
		t.Fatalf("readInput: %v", err)
	}
	if string(got) != `{"name":"Asha"}` {
		t.Fatalf("unexpected content %q", got)
	}
	if _, err := readInput([]string{filepath.Join(t.TempDir(), "missing.json")}); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestOpenStoreDrivers(t *testing.T) {
	t.Cleanup(viper.Reset)

	tests := []struct {
		name    string
		driver  string
		wantErr bool
	}{
		{"memory", "memory", false},
		{"sqlite", "sqlite", false},
		{"default is sqlite", "", false},
		{"postgres without url", "postgres", true},
		{"unknown", "mongo", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			viper.Set("storage.driver", tt.driver)
			viper.Set("storage.path", filepath.Join(t.TempDir(), "casefile.sqlite"))

			store, err := openStore(context.Background())
			if tt.wantErr {
				if err == nil {
					store.Close()
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("openStore: %v", err)
			}
			store.Close()
		})
	}
}

func TestStackFilesAndLists(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Reset()
	viper.Set("storage.driver", "memory")

	st, err := openStack(context.Background())
	if err != nil {
		t.Fatalf("openStack: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	first, err := st.Engine.Submit(ctx, "U1", []byte(`{"name":"Asha"}`))
	if err != nil {
		t.Fatal(err)
	}
	again, err := st.Engine.Submit(ctx, "U1", []byte(`{"name":" ASHA "}`))
	if err != nil {
		t.Fatal(err)
	}
	if again.Created || again.ID != first.ID {
		t.Fatalf("resubmission = %+v, want duplicate of %s", again, first.ID)
	}
	if n := len(st.Engine.List(ctx, "U1")); n != 1 {
		t.Fatalf("List returned %d entries, want 1", n)
	}
}

func TestMemoryDriverNeedsNoRelay(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Reset()
	viper.Set("storage.driver", "memory")
	// Nothing listens here; building a relay would fail the ping.
	viper.Set("redis.addr", "127.0.0.1:1")

	store, err := openStore(context.Background())
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	store.Close()
}

func TestDBPathMatchesStoreLocation(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Reset()

	viper.Set("storage.path", "")
	got, err := dbPath()
	if err != nil {
		t.Fatalf("dbPath: %v", err)
	}
	if !filepath.IsAbs(got) || filepath.Base(got) != "casefile.sqlite" || filepath.Base(filepath.Dir(got)) != "casefile" {
		t.Fatalf("empty storage.path resolved to %q", got)
	}

	viper.Set("storage.path", "relative.sqlite")
	got, err = dbPath()
	if err != nil {
		t.Fatalf("dbPath: %v", err)
	}
	want, _ := filepath.Abs("relative.sqlite")
	if got != want {
		t.Fatalf("dbPath = %q, want %q", got, want)
	}
}
