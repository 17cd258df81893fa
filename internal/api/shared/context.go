package shared

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// ContextKey is the type of request-scoped context keys.
type ContextKey string

// Context keys
const (
	// OwnerIDContextKey holds the caller's owner id.
	OwnerIDContextKey ContextKey = "ownerID"
	// AccountIDContextKey holds the caller's billing account id.
	AccountIDContextKey ContextKey = "accountID"
	// TraceIDKey is the key for the trace ID in the request context
	TraceIDKey ContextKey = "traceID"
	// TraceIDLength is the number of bytes used to generate the trace ID
	TraceIDLength = 16 // 32 hex characters
)

// SetTraceID adds a trace ID to the context. An incoming id is reused when
// it looks like one of ours so callers can correlate across retries.
func SetTraceID(ctx context.Context, incoming string) context.Context {
	traceID := strings.ToLower(strings.TrimSpace(incoming))
	if !validTraceID(traceID) {
		traceID = generateTraceID()
	}
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID retrieves the trace ID from the context.
// If no trace ID exists, it returns an empty string.
func GetTraceID(ctx context.Context) string {
	traceID, ok := ctx.Value(TraceIDKey).(string)
	if !ok {
		return ""
	}
	return traceID
}

// WithIdentity stores the owner and account ids taken from request headers.
func WithIdentity(ctx context.Context, ownerID, accountID string) context.Context {
	ctx = context.WithValue(ctx, OwnerIDContextKey, ownerID)
	return context.WithValue(ctx, AccountIDContextKey, accountID)
}

// OwnerID returns the owner id stored by WithIdentity.
func OwnerID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(OwnerIDContextKey).(string)
	return id, ok && id != ""
}

// AccountID returns the account id stored by WithIdentity, which may be empty.
func AccountID(ctx context.Context) string {
	id, _ := ctx.Value(AccountIDContextKey).(string)
	return id
}

func generateTraceID() string {
	b := make([]byte, TraceIDLength)
	if _, err := rand.Read(b); err != nil {
		// A random UUID carries the same number of bytes
		u := uuid.New()
		return hex.EncodeToString(u[:])
	}
	return hex.EncodeToString(b)
}

func validTraceID(id string) bool {
	if len(id) != TraceIDLength*2 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}
