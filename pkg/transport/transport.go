package transport

// Transport exposes the local advertised address of a component that
// listens for cluster-internal traffic (the raft bind address of the
// replicated store).
type Transport interface {
    // Addr returns the local bind/advertise address if applicable.
    Addr() string
}
