// Package descriptor holds the entities and wire codec for a mitosis
// process descriptor: the self-contained, serializable image of a
// process's registers, VMA layout, per-VMA page table, and RDMA endpoint
// that travels from the parent to a child over RDMA (spec.md §3, §4.2).
package descriptor

import (
	"errors"
	"fmt"

	"github.com/kestrelfork/mitosis/internal/bytecursor"
)

// PageSize is the fixed page granularity the whole system operates on.
const PageSize = 4096

// RegSize is the fixed width of the opaque register block. It is treated
// as an opaque byte blob and serialized verbatim (spec.md §3).
const RegSize = 256

// GIDSize is the width of an RDMA global identifier (IPv6-sized, per the
// InfiniBand/RoCE GID format).
const GIDSize = 16

var (
	// ErrTruncated is returned when a deserialize consumes past the end
	// of the supplied buffer.
	ErrTruncated = errors.New("descriptor: truncated input")
	// ErrMalformed is returned when a deserialized value violates an
	// invariant (VMA ordering, page count, offset range, GID format).
	ErrMalformed = errors.New("descriptor: malformed input")
	// ErrBufferTooSmall is returned by Serialize when the destination
	// buffer is smaller than SerializationBufLen(d).
	ErrBufferTooSmall = bytecursor.ErrBufferTooSmall
)

// VMAFlags encodes host-VM attributes that must be preserved across
// resume.
type VMAFlags uint32

// FlagAllocatorOwned marks a VMA whose backing pages were allocated by
// the process's own allocator (as opposed to the OS on its behalf); this
// bit must survive resume unchanged (spec.md §3).
const FlagAllocatorOwned VMAFlags = 1 << 0

// RegDescriptor is the parent's user-mode register file at prepare time,
// opaque to everything except the OS task-restore collaborator.
type RegDescriptor [RegSize]byte

// VMADescriptor describes one virtual memory area.
type VMADescriptor struct {
	Start   uint64
	End     uint64
	Flags   VMAFlags
	Prot    uint32
	FileOff uint64
}

// Validate checks the invariants spec.md §3 places on a VMA in isolation
// (not relative to its siblings — see Descriptor.Validate for the
// disjoint/sorted check).
func (v VMADescriptor) Validate() error {
	if v.Start >= v.End {
		return fmt.Errorf("vma [%#x,%#x): start must be < end: %w", v.Start, v.End, ErrMalformed)
	}
	if (v.End-v.Start)%PageSize != 0 {
		return fmt.Errorf("vma [%#x,%#x): length not a multiple of page size: %w", v.Start, v.End, ErrMalformed)
	}
	return nil
}

// PageCount returns the number of 4 KiB pages the VMA spans.
func (v VMADescriptor) PageCount() uint64 {
	return (v.End - v.Start) / PageSize
}

// RDMADescriptor identifies the peer endpoint used to read a descriptor's
// pages: the global identifier, service id, queue-pair index, and the
// remote memory key covering the exported descriptor buffer.
type RDMADescriptor struct {
	GID       [GIDSize]byte
	ServiceID uint64
	QPIndex   uint32
	RKey      uint32
}

// ValidGID reports whether the GID looks parseable (non-zero). A
// zero-valued GID is never legitimate on the wire.
func (d RDMADescriptor) ValidGID() bool {
	for _, b := range d.GID {
		if b != 0 {
			return true
		}
	}
	return false
}

// PageEntry is one (offset-within-vma, remote-physical-address) pair in
// the parent's compact per-VMA page table.
type PageEntry struct {
	Offset uint32 // offset within the owning VMA
	PA     uint64 // remote physical address
}

// VMAPages pairs a VMA with its compact page table.
type VMAPages struct {
	VMA   VMADescriptor
	Pages []PageEntry
}

// Descriptor is the full process image: registers, per-VMA page tables,
// VMA list, and the RDMA endpoint that exports the serialized bytes.
type Descriptor struct {
	Regs  RegDescriptor
	VMAs  []VMAPages
	RDMA  RDMADescriptor
}

// Validate checks the cross-cutting invariants of spec.md §8: every
// (offset, pa) belongs to some VMA's range, VMAs are disjoint and sorted,
// and the RDMA endpoint's GID parses.
func (d *Descriptor) Validate() error {
	if !d.RDMA.ValidGID() {
		return fmt.Errorf("rdma endpoint has an all-zero GID: %w", ErrMalformed)
	}
	var prevEnd uint64
	for i, vp := range d.VMAs {
		if err := vp.VMA.Validate(); err != nil {
			return err
		}
		if i > 0 && vp.VMA.Start < prevEnd {
			return fmt.Errorf("vma %d starts at %#x before previous vma ends at %#x: %w", i, vp.VMA.Start, prevEnd, ErrMalformed)
		}
		prevEnd = vp.VMA.End
		maxPages := vp.VMA.PageCount()
		vmaLen := vp.VMA.End - vp.VMA.Start
		if uint64(len(vp.Pages)) > maxPages {
			return fmt.Errorf("vma %d has %d page entries, more than %d pages it spans: %w", i, len(vp.Pages), maxPages, ErrMalformed)
		}
		for _, pe := range vp.Pages {
			if uint64(pe.Offset) >= vmaLen {
				return fmt.Errorf("vma %d: page offset %#x >= vma length %#x: %w", i, pe.Offset, vmaLen, ErrMalformed)
			}
			if pe.PA == 0 {
				return fmt.Errorf("vma %d: page at offset %#x has zero physical address: %w", i, pe.Offset, ErrMalformed)
			}
		}
	}
	return nil
}

// SerializationBufLen computes the exact number of bytes Serialize will
// write for d, per the wire layout of spec.md §4.2.
func SerializationBufLen(d *Descriptor) int {
	n := RegSize + 8 // regs + n_vmas
	for _, vp := range d.VMAs {
		n += vmaDescSize + 8 // vma + n_pages
		if len(vp.Pages)%2 != 0 {
			n += 4 // alignment pad before the offset[] column
		}
		n += len(vp.Pages) * 4   // offset[]
		n += len(vp.Pages) * 8   // paddr[]
	}
	n += rdmaDescSize
	return n
}

const vmaDescSize = 8 + 8 + 4 + 4 + 8   // start,end,flags,prot,file_off
const rdmaDescSize = GIDSize + 8 + 4 + 4 // gid,service_id,qp_index,rkey

// Serialize writes d into buf using the wire layout of spec.md §4.2. It
// fails with ErrBufferTooSmall when len(buf) < SerializationBufLen(d).
func Serialize(d *Descriptor, buf []byte) error {
	need := SerializationBufLen(d)
	if len(buf) < need {
		return fmt.Errorf("serialize: need %d bytes, have %d: %w", need, len(buf), ErrBufferTooSmall)
	}
	w := bytecursor.NewWriter(buf)
	if err := w.PutBytes(d.Regs[:]); err != nil {
		return err
	}
	if err := w.PutUint64(uint64(len(d.VMAs))); err != nil {
		return err
	}
	for _, vp := range d.VMAs {
		if err := putVMA(w, vp.VMA); err != nil {
			return err
		}
		if err := w.PutUint64(uint64(len(vp.Pages))); err != nil {
			return err
		}
		if len(vp.Pages)%2 != 0 {
			if err := w.Pad(4); err != nil {
				return err
			}
		}
		for _, pe := range vp.Pages {
			if err := w.PutUint32(pe.Offset); err != nil {
				return err
			}
		}
		for _, pe := range vp.Pages {
			if err := w.PutUint64(pe.PA); err != nil {
				return err
			}
		}
	}
	if err := putRDMA(w, d.RDMA); err != nil {
		return err
	}
	return nil
}

func putVMA(w *bytecursor.Writer, v VMADescriptor) error {
	if err := w.PutUint64(v.Start); err != nil {
		return err
	}
	if err := w.PutUint64(v.End); err != nil {
		return err
	}
	if err := w.PutUint32(uint32(v.Flags)); err != nil {
		return err
	}
	if err := w.PutUint32(v.Prot); err != nil {
		return err
	}
	return w.PutUint64(v.FileOff)
}

func putRDMA(w *bytecursor.Writer, d RDMADescriptor) error {
	if err := w.PutBytes(d.GID[:]); err != nil {
		return err
	}
	if err := w.PutUint64(d.ServiceID); err != nil {
		return err
	}
	if err := w.PutUint32(d.QPIndex); err != nil {
		return err
	}
	return w.PutUint32(d.RKey)
}

// Deserialize parses buf into a Descriptor, per the wire layout of
// spec.md §4.2. It returns (nil, ErrTruncated) on any short read and
// (nil, ErrMalformed) when a decoded invariant is violated.
func Deserialize(buf []byte) (*Descriptor, error) {
	r := bytecursor.NewReader(buf)
	d := &Descriptor{}

	regs, err := r.Bytes(RegSize)
	if err != nil {
		return nil, fmt.Errorf("regs: %w", ErrTruncated)
	}
	copy(d.Regs[:], regs)

	nVMAs, err := r.Uint64()
	if err != nil {
		return nil, fmt.Errorf("n_vmas: %w", ErrTruncated)
	}
	// A malformed count should not cause an unbounded allocation attempt;
	// each VMA contributes at least vmaDescSize+8 bytes so this bounds it
	// to the buffer actually present.
	if nVMAs > uint64(len(buf)) {
		return nil, fmt.Errorf("n_vmas %d implausible for %d-byte buffer: %w", nVMAs, len(buf), ErrMalformed)
	}

	d.VMAs = make([]VMAPages, 0, nVMAs)
	for i := uint64(0); i < nVMAs; i++ {
		vma, err := getVMA(r)
		if err != nil {
			return nil, fmt.Errorf("vma %d: %w", i, err)
		}
		if err := vma.Validate(); err != nil {
			return nil, err
		}

		nPages, err := r.Uint64()
		if err != nil {
			return nil, fmt.Errorf("vma %d n_pages: %w", i, ErrTruncated)
		}
		maxPages := vma.PageCount()
		if nPages > maxPages {
			return nil, fmt.Errorf("vma %d: n_pages %d exceeds %d pages it spans: %w", i, nPages, maxPages, ErrMalformed)
		}
		if nPages%2 != 0 {
			if err := r.Skip(4); err != nil {
				return nil, fmt.Errorf("vma %d alignment pad: %w", i, ErrTruncated)
			}
		}

		offsets := make([]uint32, nPages)
		for j := range offsets {
			v, err := r.Uint32()
			if err != nil {
				return nil, fmt.Errorf("vma %d offset[%d]: %w", i, j, ErrTruncated)
			}
			offsets[j] = v
		}
		pages := make([]PageEntry, nPages)
		vmaLen := vma.End - vma.Start
		for j := range pages {
			pa, err := r.Uint64()
			if err != nil {
				return nil, fmt.Errorf("vma %d paddr[%d]: %w", i, j, ErrTruncated)
			}
			if uint64(offsets[j]) >= vmaLen {
				return nil, fmt.Errorf("vma %d: offset %#x out of range: %w", i, offsets[j], ErrMalformed)
			}
			pages[j] = PageEntry{Offset: offsets[j], PA: pa}
		}

		d.VMAs = append(d.VMAs, VMAPages{VMA: vma, Pages: pages})
	}

	rdma, err := getRDMA(r)
	if err != nil {
		return nil, err
	}
	d.RDMA = rdma
	if !d.RDMA.ValidGID() {
		return nil, fmt.Errorf("rdma endpoint gid: %w", ErrMalformed)
	}

	return d, nil
}

func getVMA(r *bytecursor.Reader) (VMADescriptor, error) {
	start, err := r.Uint64()
	if err != nil {
		return VMADescriptor{}, ErrTruncated
	}
	end, err := r.Uint64()
	if err != nil {
		return VMADescriptor{}, ErrTruncated
	}
	flags, err := r.Uint32()
	if err != nil {
		return VMADescriptor{}, ErrTruncated
	}
	prot, err := r.Uint32()
	if err != nil {
		return VMADescriptor{}, ErrTruncated
	}
	fileOff, err := r.Uint64()
	if err != nil {
		return VMADescriptor{}, ErrTruncated
	}
	return VMADescriptor{Start: start, End: end, Flags: VMAFlags(flags), Prot: prot, FileOff: fileOff}, nil
}

func getRDMA(r *bytecursor.Reader) (RDMADescriptor, error) {
	gid, err := r.Bytes(GIDSize)
	if err != nil {
		return RDMADescriptor{}, fmt.Errorf("rdma gid: %w", ErrTruncated)
	}
	serviceID, err := r.Uint64()
	if err != nil {
		return RDMADescriptor{}, fmt.Errorf("rdma service_id: %w", ErrTruncated)
	}
	qpIndex, err := r.Uint32()
	if err != nil {
		return RDMADescriptor{}, fmt.Errorf("rdma qp_index: %w", ErrTruncated)
	}
	rkey, err := r.Uint32()
	if err != nil {
		return RDMADescriptor{}, fmt.Errorf("rdma rkey: %w", ErrTruncated)
	}
	var d RDMADescriptor
	copy(d.GID[:], gid)
	d.ServiceID = serviceID
	d.QPIndex = qpIndex
	d.RKey = rkey
	return d, nil
}
