package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/phrazzld/studio-queue/internal/api/shared"
	"github.com/phrazzld/studio-queue/internal/platform/logger"
)

// Identity headers set by the fronting gateway.
const (
	OwnerHeader   = "X-Owner-ID"
	AccountHeader = "X-Account-ID"
)

// maxIdentityLen bounds header values stored on task records.
const maxIdentityLen = 128

// RequireOwner reads the caller identity from the gateway headers and
// rejects requests without an owner. The gateway is trusted to have
// authenticated the caller.
func RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
		account := strings.TrimSpace(r.Header.Get(AccountHeader))
		if owner == "" {
			shared.RespondWithError(w, r, http.StatusUnauthorized, OwnerHeader+" header required")
			return
		}
		if len(owner) > maxIdentityLen || len(account) > maxIdentityLen {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Identity header too long")
			return
		}

		ctx := shared.WithIdentity(r.Context(), owner, account)
		ctx = logger.WithLogger(ctx, logger.FromContext(ctx).With(slog.String("owner_id", owner)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
