// Package userstore mirrors presence decisions into the durable user record.
//
// The in-memory presence store is authoritative while the process runs. The
// mirror is what a page reload, another process, or the next process after a
// crash reads. Three backends implement Mirror: MemoryMirror for development,
// PostgresMirror over the users table, and RedisMirror over a hash per user plus
// a sorted set of online users.
package userstore
