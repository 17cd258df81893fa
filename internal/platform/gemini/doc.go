// Package gemini implements the text and image generation collaborators on
// top of Google's Gemini API (google.golang.org/genai).
//
// Calls are rate limited with golang.org/x/time/rate and retried with
// exponential backoff for transient failures. Blocked content and
// unparseable responses are returned immediately since retrying cannot fix
// them.
package gemini
