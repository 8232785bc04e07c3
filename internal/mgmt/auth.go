package mgmt

import (
	"context"
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/collabhub/internal/errors"
	"github.com/p-blackswan/collabhub/internal/identity"
)

// Authenticator verifies and revokes bearer tokens.
type Authenticator interface {
	identity.Verifier
	Revoke(ctx context.Context, token, reason string) error
}

const (
	localIdentity = "identity"
	localToken    = "token"
)

func isProbe(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}

// NewAuthMiddleware returns a Fiber middleware that resolves the bearer
// token to an identity and records the user.
func NewAuthMiddleware(auth Authenticator, users UserRecorder, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		path := c.Path()
		if isProbe(path) {
			return c.Next()
		}

		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			return problemResponse(c, fiber.StatusUnauthorized,
				"missing_auth", "Unauthorized",
				"Authorization header is required")
		}
		token := identity.BearerToken(authHeader)
		if token == "" {
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_auth_scheme", "Unauthorized",
				"Authorization header must use Bearer scheme")
		}

		id, err := auth.Verify(c.UserContext(), token)
		if err != nil {
			logger.Warn().
				Err(err).
				Str("path", path).
				Str("method", c.Method()).
				Msg("unauthorized request: invalid token")
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_token", "Unauthorized",
				"Invalid or expired token")
		}

		if users != nil && !id.IsAgent() {
			if err := users.EnsureUser(c.UserContext(), id.UserID, id.Email); err != nil {
				logger.Warn().Err(err).Str("user_id", id.UserID).Msg("failed to record user")
			}
		}

		c.Locals(localIdentity, id)
		c.Locals(localToken, token)
		c.SetUserContext(identity.WithIdentity(c.UserContext(), id))
		return c.Next()
	}
}

func caller(c *fiber.Ctx) identity.Identity {
	id, _ := c.Locals(localIdentity).(identity.Identity)
	return id
}

// problemResponse returns an RFC 7807 Problem Detail error response.
func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}

// errorResponse maps a domain error onto a problem response.
func errorResponse(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, perrors.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, perrors.ErrDenied):
		status = fiber.StatusForbidden
	case errors.Is(err, perrors.ErrInvalidInput), errors.Is(err, perrors.ErrInvalidTree):
		status = fiber.StatusBadRequest
	case errors.Is(err, perrors.ErrAuthFailure):
		status = fiber.StatusUnauthorized
	case errors.Is(err, perrors.ErrRateLimit):
		status = fiber.StatusTooManyRequests
	case errors.Is(err, perrors.ErrTimeout):
		status = fiber.StatusGatewayTimeout
	case errors.Is(err, perrors.ErrPersist), errors.Is(err, perrors.ErrUnavailable):
		status = fiber.StatusServiceUnavailable
	}

	detail := err.Error()
	if status == fiber.StatusInternalServerError {
		detail = "An internal error occurred"
	}
	return problemResponse(c, status, perrors.Kind(err), http.StatusText(status), detail)
}

