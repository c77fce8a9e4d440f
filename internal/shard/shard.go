package shard

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// WorkerIndex maps a session id to the worker that owns it.
// Every process must compute the same assignment for the same id.
func WorkerIndex(sessionID string, numWorkers int) int {
	if numWorkers <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return int(h.Sum32() % uint32(numWorkers))
}

// IsLocal reports whether a session id belongs to this worker.
func IsLocal(sessionID string, workerID, numWorkers int) bool {
	return WorkerIndex(sessionID, numWorkers) == workerID
}

// GenerateLocalSessionID returns a fresh session id that hashes to the
// given worker. Candidates that land on another shard are rejected and
// regenerated.
func GenerateLocalSessionID(workerID, numWorkers int) string {
	for {
		id := uuid.New().String()
		if IsLocal(id, workerID, numWorkers) {
			return id
		}
	}
}

// PathPrefix returns the routing prefix for a worker, e.g. "/w0".
func PathPrefix(workerID int) string {
	return fmt.Sprintf("/w%d", workerID)
}

// PrefixHandler enforces that requests carry this worker's /wN prefix
// and strips it before handing the request to the router. Prefixes for
// another worker get a 404 so the load balancer retries the right one;
// unprefixed paths pass through untouched. This wraps the router from
// the outside because the strip has to happen before route matching.
func PrefixHandler(workerID int, next http.Handler) http.Handler {
	prefix := PathPrefix(workerID)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			r.URL.Path = strings.TrimPrefix(path, prefix)
			if r.URL.Path == "" {
				r.URL.Path = "/"
			}
			next.ServeHTTP(w, r)
			return
		}
		if workerPrefix.MatchString(path) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"wrong worker"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

var workerPrefix = regexp.MustCompile(`^/w\d+(/|$)`)
