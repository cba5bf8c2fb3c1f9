package identity

import (
    "errors"
    "path/filepath"
    "testing"
)

func TestInstanceIDIsDurable(t *testing.T) {
    path := filepath.Join(t.TempDir(), "sub", "identity.db")
    id1, err := Load(path)
    if err != nil { t.Fatal(err) }
    id2, err := Load(path)
    if err != nil { t.Fatal(err) }
    if id1 == "" || id1 != id2 {
        t.Fatalf("instance id not stable: %q vs %q", id1, id2)
    }

    other, err := Load(filepath.Join(t.TempDir(), "identity.db"))
    if err != nil { t.Fatal(err) }
    if other == id1 {
        t.Fatalf("two identity files produced the same id")
    }

    s, err := Open(path)
    if err != nil { t.Fatal(err) }
    defer s.Close()
    ts, err := s.CreatedAt()
    if err != nil || ts.IsZero() {
        t.Fatalf("createdAt missing: %v %v", ts, err)
    }
}

func TestValidate(t *testing.T) {
    for _, bad := range []string{"", "a/b", "a b"} {
        if err := Validate(bad); !errors.Is(err, ErrInvalidID) {
            t.Fatalf("%q: expected ErrInvalidID, got %v", bad, err)
        }
    }
    if err := Validate("4f1c-aa"); err != nil { t.Fatal(err) }
}
