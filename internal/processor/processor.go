// Package processor defines the unit-of-work contract the worker runtime
// invokes per job type, and the document processors shipped with the
// engine.
//
// Processors run under at-least-once delivery: the broker may invoke the
// same job more than once, so implementations must make idempotent writes
// or tolerate repeated partial work. The runtime performs no deduplication
// beyond the ledger claim gate.
package processor

import (
	"context"
	"encoding/json"

	"github.com/veridoc/docjobs/internal/domain"
)

// Result is a processor outcome returned synchronously to the runtime.
// Exactly one of Data or Err is meaningful: Success with Data, or failure
// with Err. There is no fire-and-forget path; every failure is observed.
type Result struct {
	Success bool
	Data    json.RawMessage
	Err     error
}

// Succeed builds a successful result from a JSON-marshalable payload.
func Succeed(data any) Result {
	raw, err := json.Marshal(data)
	if err != nil {
		return Fail(err)
	}
	return Result{Success: true, Data: raw}
}

// Fail builds a failed result.
func Fail(err error) Result {
	return Result{Success: false, Err: err}
}

// ProgressFunc reports advisory progress (0-100) to the ledger. Reports
// are non-blocking from the processor's point of view: errors are absorbed
// by the runtime and never interrupt the work.
type ProgressFunc func(progress int)

// Processor handles jobs of one type. ctx is the delivery context; it is
// cancelled when the runtime shuts down, and implementations should return
// promptly when it is.
type Processor interface {
	Process(ctx context.Context, job *domain.Job, report ProgressFunc) Result
}

// Func adapts a plain function to the Processor interface.
type Func func(ctx context.Context, job *domain.Job, report ProgressFunc) Result

func (f Func) Process(ctx context.Context, job *domain.Job, report ProgressFunc) Result {
	return f(ctx, job, report)
}

// Registry maps job types to processors. Populated at startup, read-only
// afterwards.
type Registry struct {
	processors map[domain.JobType]Processor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{processors: make(map[domain.JobType]Processor)}
}

// Register binds a processor to a job type, replacing any previous binding.
func (r *Registry) Register(t domain.JobType, p Processor) {
	r.processors[t] = p
}

// Lookup returns the processor for a job type.
func (r *Registry) Lookup(t domain.JobType) (Processor, bool) {
	p, ok := r.processors[t]
	return p, ok
}

// DefaultRegistry returns a registry with every shipped document processor
// registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(domain.JobTypePDFAccessibility, NewAccessibilityAuditor("PDF"))
	r.Register(domain.JobTypeEPUBAccessibility, NewAccessibilityAuditor("EPUB"))
	r.Register(domain.JobTypeVPATGeneration, NewReportGenerator("VPAT"))
	r.Register(domain.JobTypeACRGeneration, NewReportGenerator("ACR"))
	r.Register(domain.JobTypeAltTextGeneration, NewAltTextGenerator())
	r.Register(domain.JobTypeStyleValidation, NewFindingScanner("style"))
	r.Register(domain.JobTypeCitationDetection, NewFindingScanner("citation"))
	return r
}
