// Package events provides the task lifecycle event bus.
//
// The dispatcher and the task service publish a LifecycleEvent whenever a task
// is enqueued or reaches an outcome (completed, failed, cancelled, retry
// scheduled). Handlers such as the metrics recorder and the credit refunder
// subscribe without the engine knowing about them.
//
// The primary components are:
// - LifecycleEvent: a single task state change
// - EventHandler: interface for components that react to events
// - EventEmitter: interface for components that publish events
package events
