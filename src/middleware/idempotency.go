package middleware

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

type storedResponse struct {
	status      int
	body        []byte
	contentType string
	storedAt    time.Time
}

// Idempotency deduplicates mutating requests on a client-supplied
// X-Request-Id. A replayed id returns the stored first response without
// re-executing; requests without an id are not deduplicated.
type Idempotency struct {
	ttl      time.Duration
	mu       sync.Mutex
	entries  map[string]*storedResponse
	inFlight map[string]bool
}

func NewIdempotency(ttl time.Duration) *Idempotency {
	return &Idempotency{
		ttl:      ttl,
		entries:  make(map[string]*storedResponse),
		inFlight: make(map[string]bool),
	}
}

func (i *Idempotency) key(c *fiber.Ctx, requestID string) string {
	return c.Get("X-User-Id") + "|" + c.Method() + "|" + c.Path() + "|" + requestID
}

func (i *Idempotency) sweep(now time.Time) {
	for key, entry := range i.entries {
		if now.Sub(entry.storedAt) > i.ttl {
			delete(i.entries, key)
		}
	}
}

func (i *Idempotency) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := c.Get("X-Request-Id")
		if requestID == "" {
			return c.Next()
		}

		key := i.key(c, requestID)
		now := time.Now()

		i.mu.Lock()
		i.sweep(now)

		if entry, exists := i.entries[key]; exists {
			i.mu.Unlock()
			log.Info().
				Str("request_id", requestID).
				Str("path", c.Path()).
				Msg("Replayed idempotent request, returning stored response")
			c.Set("X-Idempotent-Replay", "true")
			c.Set(fiber.HeaderContentType, entry.contentType)
			return c.Status(entry.status).Send(entry.body)
		}

		// edge case: the same id arriving twice before the first execution
		// finishes must not execute twice either
		if i.inFlight[key] {
			i.mu.Unlock()
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Request with this id is already in flight",
				"kind":  "DuplicateRequest",
			})
		}
		i.inFlight[key] = true
		i.mu.Unlock()

		err := c.Next()

		i.mu.Lock()
		delete(i.inFlight, key)
		if err == nil && c.Response().StatusCode() < fiber.StatusInternalServerError {
			body := make([]byte, len(c.Response().Body()))
			copy(body, c.Response().Body())
			i.entries[key] = &storedResponse{
				status:      c.Response().StatusCode(),
				body:        body,
				contentType: string(c.Response().Header.ContentType()),
				storedAt:    now,
			}
		}
		i.mu.Unlock()

		return err
	}
}
