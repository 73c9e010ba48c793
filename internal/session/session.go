// Package session persists the binding between opaque session tokens and
// authenticated user ids in Redis. Three structures are kept in lock-step:
//
//	sessions              sorted set, token scored by last touch
//	sessions:user         hash, token -> user id
//	users:<id>:sessions   sorted set, the user's tokens scored by last touch
//
// Every mutation of the three structures happens inside one MULTI/EXEC so
// that a token is either present in all of them or in none.
package session
