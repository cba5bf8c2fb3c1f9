package file

import (
    "context"
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/amirimatin/go-discovery/pkg/descriptor"
)

func TestEnvOverridesFile(t *testing.T) {
    dir := t.TempDir()
    f := filepath.Join(dir, "descriptor.json")
    if err := os.WriteFile(f, []byte(`{"seq":1,"final":true,"me":1,"active":[1]}`), 0o644); err != nil { t.Fatal(err) }

    const envName = "TEST_DISCOVERY_DESCRIPTOR"
    t.Setenv(envName, `{"seq":9,"final":true,"me":2,"active":[2]}`)

    r := descriptor.NewReader(New(Options{Path: f, Env: envName}), nil)
    d, err := r.Read(context.Background())
    if err != nil { t.Fatal(err) }
    if d.Seq != 9 || d.Me != 2 {
        t.Fatalf("env override failed, got %s", d)
    }
}

func TestFileReadAndRefresh(t *testing.T) {
    dir := t.TempDir()
    f := filepath.Join(dir, "descriptor.json")
    if err := os.WriteFile(f, []byte(`{"seq":1,"final":false,"me":1,"active":[1],"deactivating":[2]}`), 0o644); err != nil { t.Fatal(err) }

    r := descriptor.NewReader(New(Options{Path: f, Refresh: 10 * time.Millisecond}), nil)
    d, err := r.Read(context.Background())
    if err != nil { t.Fatal(err) }
    if d.Seq != 1 || d.Final {
        t.Fatalf("unexpected initial descriptor: %s", d)
    }

    if err := os.WriteFile(f, []byte(`{"seq":2,"final":true,"me":1,"active":[1],"inactive":[2]}`), 0o644); err != nil { t.Fatal(err) }
    time.Sleep(15 * time.Millisecond)

    d, err = r.Final(context.Background())
    if err != nil { t.Fatal(err) }
    if d.Seq != 2 || !d.IsInactive(2) {
        t.Fatalf("expected refreshed descriptor, got %s", d)
    }
}

func TestMissingFileIsUnavailable(t *testing.T) {
    src := New(Options{Path: filepath.Join(t.TempDir(), "nope.json")})
    if _, err := src.Descriptor(context.Background()); err != descriptor.ErrUnavailable {
        t.Fatalf("expected ErrUnavailable, got %v", err)
    }
}
