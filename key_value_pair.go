package uow

// KeyValuePair is a cache entry, used for batched cache writes.
type KeyValuePair[TK any, TV any] struct {
	Key   TK
	Value TV
}
