package descriptor

import "errors"

var (
    // ErrUnavailable means the source had no descriptor to offer.
    ErrUnavailable = errors.New("descriptor: unavailable")
    // ErrMalformed wraps decode and validation failures.
    ErrMalformed = errors.New("descriptor: malformed")
    // ErrNotFinal is returned by Reader.Final while the storage layer is
    // still in transition.
    ErrNotFinal = errors.New("descriptor: not final")
    // ErrSeqRegression is returned when a source goes back in sequence.
    ErrSeqRegression = errors.New("descriptor: sequence went backwards")
)
