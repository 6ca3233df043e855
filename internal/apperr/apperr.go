// Package apperr centralizes the {"status","message"} JSON error envelope
// and error-kind taxonomy used across every HTTP response (spec §7).
package apperr

import "github.com/gofiber/fiber/v2"

// Kind classifies an error for logging and default status-code purposes.
type Kind int

const (
	KindConfigInvalid Kind = iota
	KindDependencyUnavailable
	KindBadRequest
	KindNotFound
	KindTimeout
	KindInternal
	KindCacheMissTerminal
)

// Body is the wire shape of every JSON error response.
type Body struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// JSON writes {"status","message"} with the given HTTP status code.
func JSON(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(Body{Status: status, Message: message})
}

// BadRequest writes a 400 error body.
func BadRequest(c *fiber.Ctx, message string) error {
	return JSON(c, fiber.StatusBadRequest, message)
}

// NotFound writes a 404 error body.
func NotFound(c *fiber.Ctx, message string) error {
	return JSON(c, fiber.StatusNotFound, message)
}

// Internal writes a 500 error body.
func Internal(c *fiber.Ctx, message string) error {
	return JSON(c, fiber.StatusInternalServerError, message)
}

// Timeout writes a 503 error body describing the elapsed duration.
func Timeout(c *fiber.Ctx, message string) error {
	return JSON(c, fiber.StatusServiceUnavailable, message)
}

// CacheMissTerminal writes the 204 "use_cache_only miss" response with the
// headers §4.2/§7 require.
func CacheMissTerminal(c *fiber.Ctx) error {
	c.Set("Cache-Control", "max-age=0")
	return c.SendStatus(fiber.StatusNoContent)
}
