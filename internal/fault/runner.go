package fault

import (
	"context"
	"fmt"

	"github.com/kestrelfork/mitosis/internal/descriptor"
	"github.com/kestrelfork/mitosis/internal/osvm"
	log "github.com/sirupsen/logrus"
)

// OSVMInstaller adapts a real *osvm.FaultFD to the Installer interface.
type OSVMInstaller struct {
	FD *osvm.FaultFD
}

// InstallPage implements Installer via UFFDIO_COPY.
func (i OSVMInstaller) InstallPage(dst uint64, src []byte) error {
	return i.FD.InstallPage(dst, src)
}

// Runner drives a Handler off a real userfaultfd's event stream, matching
// the teacher's run/doPopulate event loop shape: open, register, loop
// reading and dispatching events until told to stop.
type Runner struct {
	fd      *osvm.FaultFD
	handler *Handler
	log     *log.Entry
}

// NewRunner registers [start, start+length) with fd for missing-page
// notification and returns a Runner ready to service its faults through
// handler.
func NewRunner(fd *osvm.FaultFD, start, length uint64, handler *Handler) (*Runner, error) {
	if err := fd.Register(start, length); err != nil {
		return nil, fmt.Errorf("fault: registering [%#x,+%d): %w", start, length, err)
	}
	return &Runner{fd: fd, handler: handler, log: log.WithField("component", "fault.runner")}, nil
}

// Run reads pagefault events until ctx is done or the userfaultfd is
// closed, dispatching each to the Handler on CPU 0. A real deployment
// runs one Runner per CPU, pinned via the OS task abstraction; this port
// keeps CPU assignment a parameter of HandleFault rather than threading
// affinity through the Go scheduler.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ev, ok, err := r.fd.ReadEvent()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("fault: reading uffd event: %w", err)
		}
		if !ok {
			continue // a non-pagefault event (e.g. UFFD_EVENT_REMOVE)
		}

		va := ev.Address &^ uint64(descriptor.PageSize-1)
		if err := r.handler.HandleFault(ctx, 0, va); err != nil {
			r.log.WithError(err).WithField("vaddr", va).Warn("unresolvable fault")
			r.signalSegv(va)
		}
	}
}

// signalSegv is the last-resort path spec.md §7 calls for when a fault
// cannot be resolved: there is no portable way from pure Go to raise
// SIGSEGV in the faulting thread (it isn't this goroutine), so the
// runner logs at Error level and leaves the access unresolved; the
// kernel delivers SIGBUS to the faulting thread on its own once no
// UFFDIO_COPY ever arrives for that address.
func (r *Runner) signalSegv(va uint64) {
	r.log.WithField("vaddr", va).Error("leaving fault unresolved, kernel will deliver SIGBUS")
}
