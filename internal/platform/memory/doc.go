// Package memory provides in-process implementations of the store interfaces.
// They back the service when no database URL is configured and serve as fast
// fixtures for engine tests. All state is lost when the process exits.
package memory
