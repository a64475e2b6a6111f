package handler

import (
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/arturoeanton/go-asset-reconciler/internal/port"
)

// statusFor maps the port error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var pe *port.ProviderError
	switch {
	case port.IsValidation(err):
		return fiber.StatusBadRequest
	case port.IsNotFound(err):
		return fiber.StatusNotFound
	case errors.Is(err, port.ErrJobCompleted), errors.Is(err, port.ErrBackfillBusy):
		return fiber.StatusConflict
	case errors.Is(err, port.ErrUnauthorized), errors.Is(err, port.ErrTokenExpired), errors.Is(err, port.ErrTokenInvalid):
		return fiber.StatusUnauthorized
	case errors.Is(err, port.ErrNotConnected):
		return fiber.StatusServiceUnavailable
	case errors.As(err, &pe):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

// writeError renders err as {"error": "..."} with the mapped status.
func writeError(c fiber.Ctx, err error) error {
	status := statusFor(err)
	if status >= fiber.StatusInternalServerError {
		slog.Error("request failed", "method", c.Method(), "path", c.Path(), "status", status, "error", err)
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func badBody(c fiber.Ctx) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
}

// queryInt parses an optional integer query parameter.
func queryInt(c fiber.Ctx, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, port.Invalid(key, "must be an integer")
	}
	return n, nil
}

// queryTime parses an optional RFC 3339 timestamp or YYYY-MM-DD date. A date
// used as an upper bound covers the whole day: it resolves to the last instant
// before the next midnight.
func queryTime(c fiber.Ctx, key string, upper bool) (*time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		if upper {
			t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
		}
		return &t, nil
	}
	return nil, port.Invalid(key, "must be RFC 3339 or YYYY-MM-DD")
}
