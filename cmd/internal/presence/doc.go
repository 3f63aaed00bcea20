// Package presence is the in-process judge of "is user X online".
//
// A Store keeps at most one Entry per user, refreshed by heartbeats from any of the
// user's sessions and expired once its last heartbeat is older than the TTL. Expiry
// happens lazily on reads and eagerly on a background sweep; both publish the same
// offline Event on the store's Bus.
//
// The Store owns its table and its sweeper goroutine. Construct it with NewStore and
// release it with Shutdown; nothing here is a package-level singleton.
package presence
