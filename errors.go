package rendergraph

import "errors"

var (
	// ErrDeviceUnavailable is returned by constructors when no device was injected.
	ErrDeviceUnavailable = errors.New("rendergraph: device unavailable")

	// ErrCyclicDependency aborts compilation; the wrapped message names the passes on the cycle.
	ErrCyclicDependency = errors.New("rendergraph: cyclic pass dependency")

	ErrTooManyPasses     = errors.New("rendergraph: pass limit exceeded")
	ErrTooManyResources  = errors.New("rendergraph: resource limit exceeded")
	ErrDuplicateResource = errors.New("rendergraph: duplicate resource name")
	ErrUnknownResource   = errors.New("rendergraph: unknown resource")

	// ErrInstancesFull means every instance slot is live. Registration fails
	// and the caller applies backpressure; nothing is evicted.
	ErrInstancesFull = errors.New("rendergraph: instance capacity exceeded")

	// ErrMeshTableFull is a fatal configuration error: mesh-type registration is one-way
	// and the table is pre-sized.
	ErrMeshTableFull = errors.New("rendergraph: mesh type capacity exceeded")

	// ErrDrawBucketsFull means meshTypes x LOD levels no longer fit the indirect
	// argument buffer. Fatal, the buffer is sized at construction.
	ErrDrawBucketsFull = errors.New("rendergraph: draw bucket capacity exceeded")

	// ErrStagingExhausted is reported when a dirty-region flush did not fit
	// the frame's staging partition. The region stays dirty and the next
	// frame's flush retries it, after the fence wait rewound the partition.
	ErrStagingExhausted = errors.New("rendergraph: staging ring exhausted")
)

// InvalidSlot is the sentinel returned when instance capacity is exhausted.
// Callers use it for backpressure; it is never a valid slot index.
const InvalidSlot = ^uint32(0)
