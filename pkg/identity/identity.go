// Package identity keeps the durable instance id of this process in a small
// bolt file. The id is created once at first activation and reused by every
// later start that points at the same file.
package identity

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "time"

    "github.com/boltdb/bolt"
    "github.com/google/uuid"
)

var (
    bucketName = []byte("identity")
    keyID      = []byte("instanceId")
    keyCreated = []byte("createdAt")
)

// ErrInvalidID is returned for stored ids that are not usable.
var ErrInvalidID = errors.New("identity: invalid instance id")

// Store is an open identity file.
type Store struct {
    db *bolt.DB
}

// Open opens (or creates) the identity file at path.
func Open(path string) (*Store, error) {
    if path == "" { return nil, errors.New("identity: empty path") }
    if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { return nil, err }
    db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
    if err != nil { return nil, fmt.Errorf("identity: open %s: %w", path, err) }
    err = db.Update(func(tx *bolt.Tx) error {
        _, err := tx.CreateBucketIfNotExists(bucketName)
        return err
    })
    if err != nil {
        _ = db.Close()
        return nil, err
    }
    return &Store{db: db}, nil
}

// InstanceID returns the stored id, generating and persisting a new random one
// on first use.
func (s *Store) InstanceID() (string, error) {
    var id string
    err := s.db.Update(func(tx *bolt.Tx) error {
        b := tx.Bucket(bucketName)
        if v := b.Get(keyID); v != nil {
            id = string(v)
            return nil
        }
        id = uuid.NewString()
        if err := b.Put(keyID, []byte(id)); err != nil { return err }
        return b.Put(keyCreated, []byte(time.Now().UTC().Format(time.RFC3339)))
    })
    if err != nil { return "", err }
    if err := Validate(id); err != nil { return "", err }
    return id, nil
}

// CreatedAt reports when the id was first generated.
func (s *Store) CreatedAt() (time.Time, error) {
    var ts time.Time
    err := s.db.View(func(tx *bolt.Tx) error {
        v := tx.Bucket(bucketName).Get(keyCreated)
        if v == nil { return nil }
        var err error
        ts, err = time.Parse(time.RFC3339, string(v))
        return err
    })
    return ts, err
}

func (s *Store) Close() error { return s.db.Close() }

// Load opens path, reads or creates the id and closes the file again.
func Load(path string) (string, error) {
    s, err := Open(path)
    if err != nil { return "", err }
    defer s.Close()
    return s.InstanceID()
}

// Validate rejects ids that cannot be used as a store path element.
func Validate(id string) error {
    if id == "" || strings.ContainsAny(id, "/ \t\n") {
        return fmt.Errorf("%w: %q", ErrInvalidID, id)
    }
    return nil
}
