// Package uow defines the contracts and value types of a unit-of-work persistence engine:
// object identity, the lifecycle state machine, the persistable object base, class metadata,
// the store and shared (L2) cache collaborators, options and the error taxonomy.
//
// The coordinator itself, the ExecutionContext, lives in package common. Store implementations
// live under store/, shared caches in cache (in-process) and redis.
package uow
