// Package companion implements the per-architecture privileged daemon that
// hosts module native code and serves requests from injected processes.
//
// # Overview
//
// The daemon is handed an already-open control channel by its supervisor.
// It first receives one batch of module-code descriptors, loads each as an
// in-memory dynamic module and resolves its companion entry point, then
// acknowledges readiness and serves forever:
//
// - supervisor sends: module descriptors (batch)
// - daemon replies: 0 (ready)
// - per request: supervisor transfers one client descriptor, the client
//   sends a 4-byte module index on it, the daemon dispatches the matching
//   entry on its own goroutine
//
// A module that fails to load occupies an absent slot, requests for it are
// answered by closing the client descriptor. Any control-channel error means
// the supervisor is gone and terminates the daemon. Dispatched entries are
// never joined, a blocking module cannot stall admission of later clients.
package companion

// Entry is the companion entry point of one loaded module. It receives the
// raw client descriptor and may take ownership of it by closing it.
type Entry func(client int)

// Loader resolves a module-code descriptor to its companion entry point.
// The descriptor is only guaranteed to stay open for the duration of Load.
type Loader interface {
	Load(fd int) (Entry, error)
}
