package task

import (
	"context"
	"encoding/json"
	"time"
)

// Processor is the pipeline for one task type. A new Processor is obtained
// from the registry for every execution.
type Processor interface {
	// ValidateRequest parses request data without side effects. It returns a
	// *domain.TaskError of kind invalid_request when the data is unusable.
	ValidateRequest(raw json.RawMessage) (any, error)

	// EstimateCompletion returns the expected run time for the request, or
	// false to fall back to the policy estimate.
	EstimateCompletion(raw json.RawMessage) (time.Duration, bool)

	// Process runs the pipeline for the parsed request. It reports through
	// run and normally finishes with run.Complete. Errors should be
	// *domain.TaskError values; the dispatcher decides between retry and
	// terminal failure. A non-nil Result may accompany an error to attach a
	// partial manifest to the failed task.
	Process(ctx context.Context, run *Run, req any) (*Result, error)

	// PostProcess runs after a successful Process.
	PostProcess(ctx context.Context, run *Run, result *Result) (*Result, error)
}

// Result is the outcome of a successful pipeline.
type Result struct {
	URL      string
	Manifest map[string]string
	Data     json.RawMessage
	Message  string
	Warnings []string
}

// Defaults supplies the optional parts of the Processor contract. Embed it
// to inherit an identity PostProcess and the policy estimate.
type Defaults struct{}

// EstimateCompletion implements Processor.
func (Defaults) EstimateCompletion(json.RawMessage) (time.Duration, bool) { return 0, false }

// PostProcess implements Processor.
func (Defaults) PostProcess(_ context.Context, _ *Run, result *Result) (*Result, error) {
	return result, nil
}
