package middleware

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
)

const (
	// IdempotencyKeyHeader carries the client-chosen key of a write.
	IdempotencyKeyHeader = "Idempotency-Key"

	// IdempotencyKeyLocal is the fiber local holding the validated key.
	IdempotencyKeyLocal = "idempotency_key"

	maxIdempotencyKeyLen = 255
)

// IdempotencyKey requires a well-formed Idempotency-Key header on unsafe
// methods. Deduplication itself happens in the transfer coordinator; this only
// rejects requests that could never be deduplicated.
func IdempotencyKey() fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch strings.ToUpper(c.Method()) {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		key := strings.TrimSpace(c.Get(IdempotencyKeyHeader))
		if key == "" {
			return fiber.NewError(http.StatusBadRequest, "missing Idempotency-Key header")
		}
		if len(key) > maxIdempotencyKeyLen {
			return fiber.NewError(http.StatusBadRequest, "Idempotency-Key header is too long")
		}
		for i := 0; i < len(key); i++ {
			if key[i] < 0x21 || key[i] > 0x7e {
				return fiber.NewError(http.StatusBadRequest, "Idempotency-Key header must be printable ASCII")
			}
		}

		c.Locals(IdempotencyKeyLocal, key)
		return c.Next()
	}
}
