// Package processor contains the pipelines behind every built-in task type.
//
// Each processor validates its request data, reports progress through the
// task.Run it is given and finishes with run.Complete. Collaborators (text,
// image and speech generation, FFmpeg, artifact storage) are supplied through
// Deps so tests can substitute fakes.
package processor
