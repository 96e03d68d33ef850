package uow

import (
	"fmt"
	"os"

	"github.com/sharedcode/uow/encoding"
)

// FlushMode controls when pending writes reach the store.
type FlushMode int

const (
	// FlushDeferred holds writes until flush or commit.
	FlushDeferred FlushMode = iota
	// FlushAuto flushes eagerly once the dirty set reaches DirtyFlushThreshold.
	FlushAuto
)

// CacheMode controls L2 reads (retrieve) and writes (store).
type CacheMode int

const (
	CacheUse CacheMode = iota
	CacheBypass
)

const (
	DefaultDirtyFlushThreshold = 100
	DefaultL1MinCapacity       = 1000
	DefaultL1MaxCapacity       = 1200
	DefaultL2BatchSize         = 50
	DefaultMaxFlushPasses      = 2
)

// Options configures an execution context.
type Options struct {
	FlushMode FlushMode `json:"flush_mode"`
	// DirtyFlushThreshold is the direct dirty set size triggering an early flush in FlushAuto mode.
	DirtyFlushThreshold int `json:"dirty_flush_threshold"`
	// Optimistic transactions read through L2 without confirming with the store.
	Optimistic bool `json:"optimistic"`
	// NontransactionalRead allows find outside of a transaction.
	NontransactionalRead bool `json:"nontransactional_read"`
	// NontransactionalWrite auto-commits persist, delete and field changes made outside of a transaction.
	NontransactionalWrite bool `json:"nontransactional_write"`
	// StrictDelete rejects delete of objects that are neither persistent nor attachable.
	StrictDelete bool `json:"strict_delete"`
	// ReachabilityAtCommit demotes cascaded objects that are no longer reachable at commit.
	ReachabilityAtCommit bool `json:"reachability_at_commit"`
	// ManagedRelations keeps both sides of bidirectional relations in sync before flush.
	ManagedRelations bool `json:"managed_relations"`
	// RetainValues keeps fields loaded after commit.
	RetainValues      bool `json:"retain_values"`
	DetachAllOnCommit bool `json:"detach_all_on_commit"`
	DetachOnClose     bool `json:"detach_on_close"`
	// CopyOnAttach makes persist of a detached object attach a copy instead of the instance itself.
	CopyOnAttach bool `json:"copy_on_attach"`

	L1MinCapacity int `json:"l1_min_capacity"`
	L1MaxCapacity int `json:"l1_max_capacity"`

	L2RetrieveMode CacheMode `json:"l2_retrieve_mode"`
	L2StoreMode    CacheMode `json:"l2_store_mode"`
	// L2BatchSize is the number of snapshots per PutAll call at commit.
	L2BatchSize int `json:"l2_batch_size"`
	// L2AdmissionRule is an optional CEL expression over `snapshot` deciding whether it is cached.
	L2AdmissionRule string `json:"l2_admission_rule,omitempty"`

	// MaxFlushPasses bounds the number of passes flush makes while new dirtiness appears.
	MaxFlushPasses int `json:"max_flush_passes"`
}

// DefaultOptions returns the default execution context options.
func DefaultOptions() Options {
	return Options{
		FlushMode:            FlushDeferred,
		DirtyFlushThreshold:  DefaultDirtyFlushThreshold,
		NontransactionalRead: true,
		ManagedRelations:     true,
		CopyOnAttach:         true,
		L1MinCapacity:        DefaultL1MinCapacity,
		L1MaxCapacity:        DefaultL1MaxCapacity,
		L2BatchSize:          DefaultL2BatchSize,
		MaxFlushPasses:       DefaultMaxFlushPasses,
	}
}

// Normalize replaces unset numeric options with their defaults.
func (o Options) Normalize() Options {
	if o.DirtyFlushThreshold <= 0 {
		o.DirtyFlushThreshold = DefaultDirtyFlushThreshold
	}
	if o.L1MaxCapacity <= 0 {
		o.L1MaxCapacity = DefaultL1MaxCapacity
	}
	if o.L1MinCapacity <= 0 || o.L1MinCapacity > o.L1MaxCapacity {
		o.L1MinCapacity = o.L1MaxCapacity * 5 / 6
	}
	if o.L2BatchSize <= 0 {
		o.L2BatchSize = DefaultL2BatchSize
	}
	if o.MaxFlushPasses <= 0 {
		o.MaxFlushPasses = DefaultMaxFlushPasses
	}
	return o
}

// LoadOptions reads JSON encoded options from path over the defaults.
func LoadOptions(path string) (Options, error) {
	o := DefaultOptions()
	ba, err := os.ReadFile(path)
	if err != nil {
		return o, fmt.Errorf("failed to read options file %s: %w", path, err)
	}
	if err := encoding.DefaultMarshaler.Unmarshal(ba, &o); err != nil {
		return o, fmt.Errorf("failed to parse options file %s: %w", path, err)
	}
	return o.Normalize(), nil
}
