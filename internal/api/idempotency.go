// internal/api/idempotency.go
package api

import (
	"bytes"
	"io"
	"net/http"
	"sync"
	"time"

	"checkoutledger/internal/httpx"

	"golang.org/x/crypto/blake2b"
)

// HeaderIdempotencyKey names the request header that makes a reserve safe to
// retry.
const HeaderIdempotencyKey = "Idempotency-Key"

const maxIdempotentBody = 1 << 20

type idemEntry struct {
	fingerprint [blake2b.Size256]byte
	done        bool
	status      int
	header      http.Header
	body        []byte
	expires     time.Time
}

// IdempotencyCache remembers successful responses by Idempotency-Key for a
// fixed TTL. A retried request with the same key and body gets the stored
// response; the same key with a different body is rejected.
type IdempotencyCache struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	entries   map[string]*idemEntry
	lastSweep time.Time
}

func NewIdempotencyCache(ttl time.Duration) *IdempotencyCache {
	return &IdempotencyCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*idemEntry),
	}
}

func fingerprint(r *http.Request, body []byte) [blake2b.Size256]byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{0})
	h.Write(body)
	var sum [blake2b.Size256]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// Middleware applies the cache to next. Requests without the header pass
// straight through.
func (c *IdempotencyCache) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderIdempotencyKey)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > 255 {
			httpx.Message(w, http.StatusBadRequest, "validation", "%s must be at most 255 characters", HeaderIdempotencyKey)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody+1))
		if err != nil || len(body) > maxIdempotentBody {
			httpx.Message(w, http.StatusBadRequest, "validation", "request body unreadable or too large")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		fp := fingerprint(r, body)

		entry, fresh := c.begin(key, fp)
		switch {
		case !fresh && entry.fingerprint != fp:
			httpx.Message(w, http.StatusUnprocessableEntity, "idempotency_key_reused",
				"%s was already used for a different request", HeaderIdempotencyKey)
			return
		case !fresh && !entry.done:
			httpx.Message(w, http.StatusConflict, "request_in_progress",
				"a request with this %s is still being processed", HeaderIdempotencyKey)
			return
		case !fresh:
			for k, v := range entry.header {
				w.Header()[k] = v
			}
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(entry.status)
			_, _ = w.Write(entry.body)
			return
		}

		// A panicking handler never reaches finish. The in-flight entry is
		// dropped so a retry runs again.
		finished := false
		defer func() {
			if !finished {
				c.abandon(key)
			}
		}()

		rec := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		c.finish(key, rec)
		finished = true
	})
}

// begin returns the existing entry for key, or registers an in-flight one
// and reports fresh.
func (c *IdempotencyCache) begin(key string, fp [blake2b.Size256]byte) (idemEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweepLocked(now)
	if e, ok := c.entries[key]; ok && now.Before(e.expires) {
		return *e, false
	}
	c.entries[key] = &idemEntry{fingerprint: fp, expires: now.Add(c.ttl)}
	return idemEntry{}, true
}

// finish stores successful responses; anything else frees the key so the
// client may retry.
func (c *IdempotencyCache) finish(key string, rec *captureWriter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return
	}
	if rec.status < 200 || rec.status >= 300 {
		delete(c.entries, key)
		return
	}
	e.done = true
	e.status = rec.status
	e.header = rec.Header().Clone()
	e.body = rec.buf.Bytes()
}

func (c *IdempotencyCache) abandon(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && !e.done {
		delete(c.entries, key)
	}
}

func (c *IdempotencyCache) sweepLocked(now time.Time) {
	if now.Sub(c.lastSweep) < time.Minute {
		return
	}
	c.lastSweep = now
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
}

// captureWriter tees the response so it can be replayed.
type captureWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	buf         bytes.Buffer
}

func (w *captureWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *captureWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}
