package file

import (
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/stretchr/testify/require"
)

func write(t *testing.T, path, content string) {
    t.Helper()
    require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestEnvOverridesFile(t *testing.T) {
    f := filepath.Join(t.TempDir(), "seeds.txt")
    write(t, f, "a:1\n")
    t.Setenv("TEST_DISCOVERY_SEEDS", "y:8, x:9")
    p := New(Options{Path: f, Env: "TEST_DISCOVERY_SEEDS"})
    require.Equal(t, []string{"x:9", "y:8"}, p.Seeds())
}

func TestReloadOnChange(t *testing.T) {
    f := filepath.Join(t.TempDir(), "seeds.txt")
    write(t, f, "# gossip seeds\na:1\nb:2,a:1\n")
    p := New(Options{Path: f, Refresh: time.Hour})
    require.Equal(t, []string{"a:1", "b:2"}, p.Seeds())

    write(t, f, "c:3\n")
    later := time.Now().Add(time.Minute)
    require.NoError(t, os.Chtimes(f, later, later))
    require.Equal(t, []string{"c:3"}, p.Seeds())
}

func TestGlobUnion(t *testing.T) {
    dir := t.TempDir()
    write(t, filepath.Join(dir, "a.txt"), "a:1\nb:2\n")
    write(t, filepath.Join(dir, "b.txt"), "b:2\nc:3\n")
    p := New(Options{Path: filepath.Join(dir, "*.txt")})
    require.Equal(t, []string{"a:1", "b:2", "c:3"}, p.Seeds())
}
