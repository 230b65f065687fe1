// Package registry implements the shadow-process registry (spec.md §4.4):
// the server-side keyed store that owns published descriptors and pins
// the RDMA resources needed to export them for remote READ.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/kestrelfork/mitosis/internal/descriptor"
	log "github.com/sirupsen/logrus"
)

// Mode selects how prepare captures the current task's memory
// (spec.md §4.4).
type Mode int

const (
	// ModeCopy eagerly snapshots every mapped page's physical address at
	// prepare time.
	ModeCopy Mode = iota
	// ModeCOW is accepted and recorded, but — per spec.md §9's open
	// question on parent-side COW — currently snapshots eagerly like
	// ModeCopy; write-protect/lazy-materialize on parent faults is left
	// as the documented follow-up.
	ModeCOW
)

// Errors observable at the registry boundary (spec.md §7).
var (
	ErrKeyInUse   = errors.New("registry: key already prepared")
	ErrKeyUnknown = errors.New("registry: unknown key")
)

// Target is the RDMA resource a ShadowProcess pins for the lifetime of
// its publication: the memory region backing the serialized descriptor
// bytes, registered for remote READ. Registry callers provide a
// concrete implementation (typically wrapping rdmaverbs.LoopbackDevice's
// RegisterRegion, or a real verbs memory-region registration).
type Target interface {
	// Release unregisters the memory region. Called at most once.
	Release() error
}

// ShadowProcess is the server-side holder for one published descriptor:
// the descriptor itself, its pinned serialized bytes, and a strong
// reference to the RDMA target backing them. It is destroyed only by
// explicit Unregister or handler drop (spec.md §3).
type ShadowProcess struct {
	ID         uuid.UUID
	Key        uint64
	Mode       Mode
	Descriptor *descriptor.Descriptor
	Buf        []byte
	Addr       uint64
	RKey       uint32
	Target     Target

	mu       sync.Mutex
	cond     *sync.Cond
	refCount int
}

func (p *ShadowProcess) initCond() {
	if p.cond == nil {
		p.cond = sync.NewCond(&p.mu)
	}
}

// Borrow increments the bundle's reference count, extending its lifetime
// for the duration of a resumer's fetch (spec.md §5). Release decrements
// it.
func (p *ShadowProcess) Borrow() {
	p.mu.Lock()
	p.refCount++
	p.mu.Unlock()
}

// Release decrements the bundle's reference count, waking any
// Unregister waiting for it to reach zero.
func (p *ShadowProcess) Release() {
	p.mu.Lock()
	if p.refCount > 0 {
		p.refCount--
	}
	if p.refCount == 0 && p.cond != nil {
		p.cond.Broadcast()
	}
	p.mu.Unlock()
}

// waitUnborrowed blocks until refCount reaches zero.
func (p *ShadowProcess) waitUnborrowed() {
	p.mu.Lock()
	p.initCond()
	for p.refCount > 0 {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

// Registry is process-wide mutable state: a keyed map of published
// descriptors, mutated only by Prepare/Unregister under a single
// exclusive owner (spec.md §5).
type Registry struct {
	mu    sync.Mutex
	procs map[uint64]*ShadowProcess
	log   *log.Entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		procs: make(map[uint64]*ShadowProcess),
		log:   log.WithField("component", "registry"),
	}
}

// Capture is what the OS-task collaborator supplies to Prepare: the
// current task's register file, VMA layout, and page table, already
// assembled into a Descriptor, plus the RDMA target that will export it.
type Capture struct {
	Descriptor *descriptor.Descriptor
	Target     Target
	// Addr and RKey describe where Target registered the serialized
	// descriptor bytes for remote READ — the export location a Query
	// RPC reply carries, not to be confused with Descriptor.RDMA (which
	// addresses the VMA page data, not the descriptor blob itself).
	Addr uint64
	RKey uint32
}

// Prepare captures the current task under key and publishes it. It fails
// with ErrKeyInUse if key is already published (spec.md §4.4). capture is
// supplied by the caller because assembling it requires the OS-task and
// RDMA-target collaborators this package does not own.
func (r *Registry) Prepare(key uint64, mode Mode, capture Capture) (*ShadowProcess, error) {
	if err := capture.Descriptor.Validate(); err != nil {
		return nil, fmt.Errorf("prepare(%d): invalid descriptor: %w", key, err)
	}

	buf := make([]byte, descriptor.SerializationBufLen(capture.Descriptor))
	if err := descriptor.Serialize(capture.Descriptor, buf); err != nil {
		return nil, fmt.Errorf("prepare(%d): serialize: %w", key, err)
	}

	proc := &ShadowProcess{
		ID:         uuid.New(),
		Key:        key,
		Mode:       mode,
		Descriptor: capture.Descriptor,
		Buf:        buf,
		Addr:       capture.Addr,
		RKey:       capture.RKey,
		Target:     capture.Target,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.procs[key]; exists {
		return nil, fmt.Errorf("prepare(%d): %w", key, ErrKeyInUse)
	}
	r.procs[key] = proc
	r.log.WithFields(log.Fields{"key": key, "shadow_id": proc.ID, "mode": mode}).Info("prepared shadow process")
	return proc, nil
}

// QueryDescriptor returns the published Descriptor for key.
func (r *Registry) QueryDescriptor(key uint64) (*descriptor.Descriptor, error) {
	proc, err := r.lookup(key)
	if err != nil {
		return nil, err
	}
	return proc.Descriptor, nil
}

// QueryDescriptorBuf returns the pinned serialized bytes used for remote
// READ export, and increments the bundle's borrow count so Unregister
// will wait for the caller to Release it.
func (r *Registry) QueryDescriptorBuf(key uint64) (*ShadowProcess, []byte, error) {
	proc, err := r.lookup(key)
	if err != nil {
		return nil, nil, err
	}
	proc.Borrow()
	return proc, proc.Buf, nil
}

func (r *Registry) lookup(key uint64) (*ShadowProcess, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	proc, ok := r.procs[key]
	if !ok {
		return nil, fmt.Errorf("query(%d): %w", key, ErrKeyUnknown)
	}
	return proc, nil
}

// Unregister idempotently removes key. It blocks (spec.md §9's
// cleanup-ordering open question, resolved per DESIGN.md) until no
// outstanding Borrow is held, so a remote child's in-flight fetch always
// sees a live buffer, then releases the RDMA target and aggregates any
// teardown errors.
func (r *Registry) Unregister(key uint64) error {
	r.mu.Lock()
	proc, ok := r.procs[key]
	if !ok {
		r.mu.Unlock()
		return nil // idempotent
	}
	delete(r.procs, key)
	r.mu.Unlock()

	// Outstanding remote fetches hold the buffer alive; block until they
	// Release. The fault path's own RDMA reads have their own 1 s
	// timeout, so this cannot block forever in practice.
	proc.waitUnborrowed()

	var result *multierror.Error
	if proc.Target != nil {
		if err := proc.Target.Release(); err != nil {
			result = multierror.Append(result, fmt.Errorf("releasing rdma target for key %d: %w", key, err))
		}
	}
	r.log.WithField("key", key).Info("unregistered shadow process")
	return result.ErrorOrNil()
}

// Len reports how many keys are currently published.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// Keys returns a snapshot of the currently published keys, used by the
// monitor dashboard.
func (r *Registry) Keys() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]uint64, 0, len(r.procs))
	for k := range r.procs {
		keys = append(keys, k)
	}
	return keys
}
