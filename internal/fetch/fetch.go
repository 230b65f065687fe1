// Package fetch implements the one-sided fetch service (spec.md §4.6):
// posting RDMA READs against a remote peer's exported memory, both for
// pulling a whole serialized descriptor and for servicing a single 4 KiB
// page fault.
package fetch

import (
	"context"
	"fmt"

	"github.com/kestrelfork/mitosis/internal/descriptor"
	"github.com/kestrelfork/mitosis/internal/rdmaverbs"
	log "github.com/sirupsen/logrus"
)

// Service issues one-sided RDMA READs through a per-CPU queue-pair pool.
type Service struct {
	pool *rdmaverbs.Pool
	log  *log.Entry
}

// New wraps pool for use by core.Context's remote resume path.
func New(pool *rdmaverbs.Pool) *Service {
	return &Service{pool: pool, log: log.WithField("component", "fetch")}
}

// FetchDescriptorBytes posts a one-sided READ of length bytes from
// remoteAddr on the given CPU's queue pair, polls to completion under
// rdmaverbs.DefaultTimeout, and returns the locally allocated buffer
// (spec.md §4.6, the discovery-RPC-to-bytes step of §2's child path).
func (s *Service) FetchDescriptorBytes(ctx context.Context, cpu int, access rdmaverbs.AccessInfo, remoteAddr, length uint64) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, rdmaverbs.DefaultTimeout)
	defer cancel()

	buf := make([]byte, length)
	qp := s.pool.For(cpu)
	if err := qp.PostRead(cctx, buf, remoteAddr, access); err != nil {
		s.log.WithError(err).WithField("remote_addr", remoteAddr).Warn("descriptor fetch failed")
		return nil, fmt.Errorf("fetching %d bytes from %#x: %w", length, remoteAddr, err)
	}
	return buf, nil
}

// ReadPage posts a one-sided READ of exactly one page
// (descriptor.PageSize bytes) from remotePA into dst (spec.md §4.6's
// remote_read). internal/fault's demand path and prefetcher do not call
// it; they post their reads through rdmaverbs.Pool directly.
func (s *Service) ReadPage(ctx context.Context, cpu int, access rdmaverbs.AccessInfo, remotePA uint64, dst []byte) error {
	if len(dst) != descriptor.PageSize {
		return fmt.Errorf("fetch: ReadPage destination must be exactly %d bytes, got %d", descriptor.PageSize, len(dst))
	}
	cctx, cancel := context.WithTimeout(ctx, rdmaverbs.DefaultTimeout)
	defer cancel()

	qp := s.pool.For(cpu)
	if err := qp.PostRead(cctx, dst, remotePA, access); err != nil {
		return fmt.Errorf("reading page at %#x: %w", remotePA, err)
	}
	return nil
}
