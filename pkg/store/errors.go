package store

import "errors"

var (
    // ErrConflict is returned by Commit when another writer changed a node
    // this session modified.
    ErrConflict = errors.New("store: conflict")
    // ErrNotFound is returned by reads of absent paths.
    ErrNotFound = errors.New("store: not found")
    // ErrUnavailable signals the backend could not be reached.
    ErrUnavailable = errors.New("store: unavailable")
    // ErrClosed is returned by operations on a closed session or store.
    ErrClosed = errors.New("store: closed")
)
