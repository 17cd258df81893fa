// Package task implements the job orchestration engine: the processor
// registry, the dispatch loop that drains the queue store, and the service
// used by producers and administrators.
//
// A single Dispatcher per process claims queue entries in priority-then-age
// order, runs the registered Processor under the type's timeout, and records
// the outcome. Failures are retried with linear backoff until the attempt
// budget is spent. Cancellation is cooperative: a flag on the queue entry is
// polled while a processor runs and surfaces as a cancelled run context.
//
// Processors report through a Run, which is bound to one task id and keeps
// progress monotonic.
package task
