package uow

import (
	"fmt"
	"strings"
	"time"
)

// Identity names a persistent object within its class hierarchy. It is comparable and
// is used as the key of the registry, the L1 and L2 caches and the enlistment cache.
type Identity struct {
	// Class is the class the identity was issued for. Lookups may substitute a subclass.
	Class string
	// Key is either a store-assigned surrogate (UUID) or derived from primary key values.
	Key string
}

// NewSurrogateIdentity issues an opaque identity for class.
func NewSurrogateIdentity(class string) Identity {
	return Identity{Class: class, Key: NewUUID().String()}
}

// NewApplicationIdentity derives an identity from primary key field values.
func NewApplicationIdentity(class string, pk ...any) Identity {
	parts := make([]string, len(pk))
	for i, v := range pk {
		switch tv := v.(type) {
		case time.Time:
			parts[i] = tv.UTC().Format(time.RFC3339Nano)
		case []byte:
			parts[i] = fmt.Sprintf("%x", tv)
		default:
			parts[i] = fmt.Sprint(v)
		}
	}
	return Identity{Class: class, Key: strings.Join(parts, "|")}
}

// WithClass returns the identity with its class substituted, used to probe subclasses.
func (id Identity) WithClass(class string) Identity {
	return Identity{Class: class, Key: id.Key}
}

func (id Identity) IsZero() bool {
	return id.Key == "" && id.Class == ""
}

func (id Identity) String() string {
	return id.Class + ":" + id.Key
}

// UniqueKey is the value of a declared unique key of a class.
type UniqueKey struct {
	Class string
	Name  string
	Value string
}

func (k UniqueKey) String() string {
	return k.Class + "." + k.Name + "=" + k.Value
}
