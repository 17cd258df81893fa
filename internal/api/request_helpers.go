package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/studio-queue/internal/api/shared"
	"github.com/phrazzld/studio-queue/internal/domain"
	"github.com/phrazzld/studio-queue/internal/store"
	"github.com/spf13/cast"
)

// Paging defaults for list endpoints.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// taskIDParam returns the {id} path parameter. It writes a 400 and returns
// false when the parameter is empty.
func taskIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Task id is required")
		return "", false
	}
	return id, true
}

// ownerFromContext returns the owner id placed by RequireOwner. A missing
// owner is a wiring error and answers 401.
func ownerFromContext(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner, ok := shared.OwnerID(r.Context())
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Owner identity is required")
		return "", false
	}
	return owner, true
}

// listValues splits repeated and comma-separated query values.
func listValues(r *http.Request, key string) []string {
	var out []string
	for _, raw := range r.URL.Query()[key] {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

// parsePage reads limit and skip. Limit defaults to DefaultPageLimit and is
// capped at MaxPageLimit.
func parsePage(r *http.Request) (limit, skip int, err error) {
	q := r.URL.Query()
	limit = DefaultPageLimit
	if raw := q.Get("limit"); raw != "" {
		if limit, err = cast.ToIntE(raw); err != nil || limit < 1 {
			return 0, 0, fmt.Errorf("limit must be a positive integer")
		}
		limit = min(limit, MaxPageLimit)
	}
	if raw := q.Get("skip"); raw != "" {
		if skip, err = cast.ToIntE(raw); err != nil || skip < 0 {
			return 0, 0, fmt.Errorf("skip must be a non-negative integer")
		}
	}
	return limit, skip, nil
}

// parseTaskFilter builds a store.TaskFilter from the query string.
func parseTaskFilter(r *http.Request) (store.TaskFilter, error) {
	limit, skip, err := parsePage(r)
	if err != nil {
		return store.TaskFilter{}, err
	}
	f := store.TaskFilter{
		Types:         listValues(r, "type"),
		SourceGroupID: strings.TrimSpace(r.URL.Query().Get("source_group_id")),
		SourceIDs:     listValues(r, "source_id"),
		TaskIDs:       listValues(r, "task_id"),
		Limit:         limit,
		Skip:          skip,
	}
	for _, s := range listValues(r, "status") {
		status := domain.Status(strings.ToUpper(s))
		if !status.Valid() {
			return store.TaskFilter{}, fmt.Errorf("unknown status %q", s)
		}
		f.Statuses = append(f.Statuses, status)
	}
	return f, nil
}

// parseQueueFilter builds a store.QueueFilter from the query string.
func parseQueueFilter(r *http.Request) (store.QueueFilter, error) {
	limit, skip, err := parsePage(r)
	if err != nil {
		return store.QueueFilter{}, err
	}
	f := store.QueueFilter{
		Types:   listValues(r, "type"),
		TaskIDs: listValues(r, "task_id"),
		Limit:   limit,
		Skip:    skip,
	}
	for _, s := range listValues(r, "status") {
		status := domain.QueueStatus(strings.ToUpper(s))
		if !status.Valid() {
			return store.QueueFilter{}, fmt.Errorf("unknown queue status %q", s)
		}
		f.Statuses = append(f.Statuses, status)
	}
	return f, nil
}
