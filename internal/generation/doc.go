// Package generation defines the content generation collaborators used by
// processors: text (structured JSON or prose), images and synthesized speech.
// Implementations live under internal/platform (Gemini for text and images,
// an HTTP speech service for voice). Processors depend only on these
// interfaces so pipelines can be exercised with in-process fakes.
package generation
