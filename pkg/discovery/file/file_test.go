package file

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func write(t *testing.T, p, s string) {
	t.Helper()
	if err := os.WriteFile(p, []byte(s), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "seeds.txt")
	write(t, f, "a:1\n")

	const envName = "TEST_FILESYNC_SEEDS"
	t.Setenv(envName, "y:8, x:9")

	got := New(Options{Path: f, Env: envName}).Seeds(context.Background())
	if !slices.Equal(got, []string{"y:8", "x:9"}) {
		t.Fatalf("env override failed, got %#v", got)
	}
}

func TestFileOrderCommentsAndRefresh(t *testing.T) {
	f := filepath.Join(t.TempDir(), "seeds.txt")
	write(t, f, "# master first\nm:1\nb:2, a:3\nm:1\n")

	d := New(Options{Path: f, Refresh: 10 * time.Millisecond})
	if got := d.Seeds(context.Background()); !slices.Equal(got, []string{"m:1", "b:2", "a:3"}) {
		t.Fatalf("unexpected initial seeds: %#v", got)
	}

	write(t, f, "c:3\n")
	time.Sleep(20 * time.Millisecond)
	if got := d.Seeds(context.Background()); !slices.Equal(got, []string{"c:3"}) {
		t.Fatalf("expected refreshed seeds, got %#v", got)
	}
}

func TestGlobMergesFilesInLexicalOrder(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "b.seeds"), "b:2\na:1\n")
	write(t, filepath.Join(dir, "a.seeds"), "a:1\n")

	got := New(Options{Path: filepath.Join(dir, "*.seeds")}).Seeds(context.Background())
	if !slices.Equal(got, []string{"a:1", "b:2"}) {
		t.Fatalf("glob seeds = %#v", got)
	}
}

func TestMissingFileYieldsNoSeeds(t *testing.T) {
	d := New(Options{Path: filepath.Join(t.TempDir(), "absent.txt")})
	if got := d.Seeds(context.Background()); len(got) != 0 {
		t.Fatalf("expected no seeds, got %#v", got)
	}
}
