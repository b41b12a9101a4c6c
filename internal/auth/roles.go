package auth

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/account-service/internal/domain"
	apperrors "github.com/spec-kit/account-service/pkg/util"
)

// RequireRole gates a route on the caller's role. It composes after Handle:
// a known, valid identity with the wrong role gets 403, never 401, so
// clients know re-login will not help.
func RequireRole(role domain.Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		user, ok := UserFromContext(c)
		if !ok {
			return apperrors.NewUnauthenticated(apperrors.ReasonNoToken)
		}
		if user.Role != role {
			return apperrors.NewForbidden("insufficient role")
		}
		return c.Next()
	}
}
