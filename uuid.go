package uow

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// UUID is a thin wrapper over github.com/google/uuid.UUID.
type UUID uuid.UUID

// ParseUUID converts a string to a UUID.
func ParseUUID(id string) (UUID, error) {
	u, err := uuid.Parse(id)
	return UUID(u), err
}

// NewUUID returns a new random UUID. Generation is retried up to 10 times with a 1ms pause
// and panics only if every attempt fails.
func NewUUID() UUID {
	var err error
	for i := 0; i < 10; i++ {
		var id uuid.UUID
		id, err = uuid.NewRandom()
		if err == nil {
			return UUID(id)
		}
		time.Sleep(time.Millisecond)
	}
	panic(err)
}

// NilUUID is the zero-value UUID.
var NilUUID UUID

func (id UUID) IsNil() bool {
	return bytes.Equal(id[:], NilUUID[:])
}

func (id UUID) String() string {
	return uuid.UUID(id).String()
}

// Compare returns -1 if x < y, 1 if x > y, and 0 if they are equal.
func (x UUID) Compare(y UUID) int {
	return bytes.Compare(x[:], y[:])
}
