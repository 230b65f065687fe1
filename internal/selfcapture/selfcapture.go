// Package selfcapture lets the mitosis serve process publish itself: it
// builds the registry.Capture a Prepare ioctl needs by reading its own
// /proc/self/maps and /proc/self/mem, the standard Linux mechanism for a
// process (or a debugger acting on its behalf) to inspect another
// address space without kernel module support.
//
// Restoring a register file is out of reach here: spec.md assumes a
// single OS thread whose user-mode registers a parent can read and a
// child can later overwrite directly (ptrace POKEUSER, or the kernel's
// own task_struct in the original module). A Go process has no such
// thread — goroutines are cooperatively multiplexed and have no fixed,
// externally-restorable continuation point — so Capture always reports
// a zero RegDescriptor. This is a recorded limitation, not an oversight.
package selfcapture

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/kestrelfork/mitosis/internal/descriptor"
	"github.com/kestrelfork/mitosis/internal/rdmaverbs"
	"github.com/kestrelfork/mitosis/internal/registry"
	log "github.com/sirupsen/logrus"
)

// mapsLine is one parsed /proc/self/maps row.
type mapsLine struct {
	start, end uint64
	perms      string
	pathname   string
}

// CurrentVMAs parses /proc/self/maps into the VMA list resume.Engine's
// unmap step needs, the chardev.CurrentVMAsFunc collaborator.
func CurrentVMAs() ([]descriptor.VMADescriptor, error) {
	lines, err := readMaps()
	if err != nil {
		return nil, err
	}
	var out []descriptor.VMADescriptor
	for _, l := range lines {
		if !eligible(l) {
			continue
		}
		out = append(out, descriptor.VMADescriptor{
			Start: l.start,
			End:   l.end,
			Prot:  uint32(protFromPerms(l.perms)),
		})
	}
	return out, nil
}

// eligible keeps only private anonymous mappings: file-backed regions
// (the binary's own text/data, shared libraries) aren't part of the
// forked memory image spec.md describes, and special regions like
// [vsyscall]/[vdso]/[stack] have no stable remote counterpart.
func eligible(l mapsLine) bool {
	if !strings.Contains(l.perms, "p") {
		return false
	}
	if l.pathname != "" {
		return false
	}
	if l.end <= l.start || (l.end-l.start)%descriptor.PageSize != 0 {
		return false
	}
	return true
}

func protFromPerms(perms string) int {
	prot := 0
	if strings.Contains(perms, "r") {
		prot |= 1 // resume.ProtRead, avoided here to keep selfcapture free of resume's bitmask ownership
	}
	if strings.Contains(perms, "w") {
		prot |= 2
	}
	if strings.Contains(perms, "x") {
		prot |= 4
	}
	return prot
}

func readMaps() ([]mapsLine, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, fmt.Errorf("selfcapture: opening /proc/self/maps: %w", err)
	}
	defer f.Close()

	var lines []mapsLine
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			continue
		}
		start, err := strconv.ParseUint(bounds[0], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(bounds[1], 16, 64)
		if err != nil {
			continue
		}
		var pathname string
		if len(fields) >= 6 {
			pathname = fields[5]
		}
		lines = append(lines, mapsLine{start: start, end: end, perms: fields[1], pathname: pathname})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("selfcapture: scanning /proc/self/maps: %w", err)
	}
	return lines, nil
}

// selfTarget is the registry.Target for a self-published process: the
// loopback device holds the exported bytes directly, so there is no
// separate RDMA memory-region handle to unpin on release.
type selfTarget struct{}

func (selfTarget) Release() error { return nil }

// Capturer builds registry.Captures against the calling process's own
// memory, exporting both page data and the serialized descriptor blob
// through dev.
type Capturer struct {
	dev *rdmaverbs.LoopbackDevice
	gid [descriptor.GIDSize]byte
	log *log.Entry
}

// New returns a Capturer that registers regions on dev and stamps every
// exported RDMA endpoint with gid (this machine's advertised GID).
func New(dev *rdmaverbs.LoopbackDevice, gid [descriptor.GIDSize]byte) *Capturer {
	return &Capturer{dev: dev, gid: gid, log: log.WithField("component", "selfcapture")}
}

// Capture reads the calling process's own eligible VMAs page by page via
// /proc/self/mem, registers the bytes with the loopback device, and
// returns a registry.Capture ready for registry.Registry.Prepare.
//
// basePA is the fictitious remote physical address the first captured
// byte is exported at; callers publishing multiple processes through
// the same device must keep basePA ranges disjoint.
func (c *Capturer) Capture(basePA uint64) (registry.Capture, error) {
	vmas, err := CurrentVMAs()
	if err != nil {
		return registry.Capture{}, err
	}

	mem, err := os.Open("/proc/self/mem")
	if err != nil {
		return registry.Capture{}, fmt.Errorf("selfcapture: opening /proc/self/mem: %w", err)
	}
	defer mem.Close()

	d := &descriptor.Descriptor{}
	d.RDMA.GID = c.gid

	// Every page this descriptor names must resolve under the single
	// AccessInfo resume.Engine derives once from d.RDMA (the fault
	// handler reuses it for every subsequent page read), so all captured pages
	// are concatenated into one contiguous region and registered under
	// one rkey, rather than one rkey per page.
	var pageData []byte
	for _, vma := range vmas {
		length := vma.End - vma.Start
		buf := make([]byte, length)
		if _, err := mem.ReadAt(buf, int64(vma.Start)); err != nil {
			c.log.WithError(err).WithField("vma", fmt.Sprintf("%#x-%#x", vma.Start, vma.End)).Warn("skipping unreadable vma")
			continue
		}

		pages := make([]descriptor.PageEntry, 0, vma.PageCount())
		for off := uint64(0); off < length; off += descriptor.PageSize {
			pages = append(pages, descriptor.PageEntry{
				Offset: uint32(off),
				PA:     basePA + uint64(len(pageData)),
			})
			pageData = append(pageData, buf[off:off+descriptor.PageSize]...)
		}
		d.VMAs = append(d.VMAs, descriptor.VMAPages{VMA: vma, Pages: pages})
	}
	d.RDMA.RKey = c.dev.RegisterRegion(pageData, basePA)

	bufLen := descriptor.SerializationBufLen(d)
	serialized := make([]byte, bufLen)
	if err := descriptor.Serialize(d, serialized); err != nil {
		return registry.Capture{}, fmt.Errorf("selfcapture: serializing descriptor: %w", err)
	}
	descPA := basePA + uint64(len(pageData))
	descRKey := c.dev.RegisterRegion(serialized, descPA)

	return registry.Capture{
		Descriptor: d,
		Target:     selfTarget{},
		Addr:       descPA,
		RKey:       descRKey,
	}, nil
}
