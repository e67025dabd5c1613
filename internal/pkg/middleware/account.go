package middleware

import (
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/agentbilling/internal/pkg/accountcontext"
)

var accountIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,64}$`)

// AccountContextMiddleware reads the tenant headers into the account context.
func AccountContextMiddleware(c *fiber.Ctx) error {
	accountcontext.SetAccountContext(c, accountcontext.AccountContext{
		AccountID:     strings.TrimSpace(c.Get(accountcontext.HeaderAccountID)),
		Email:         strings.TrimSpace(c.Get(accountcontext.HeaderAccountEmail)),
		Authenticated: accountcontext.IsAuthenticated(c),
	})
	return c.Next()
}

// RequireAccount rejects requests without a well-formed account id.
func RequireAccount(c *fiber.Ctx) error {
	id := accountcontext.GetAccountID(c)
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "bad_request",
			"message": accountcontext.HeaderAccountID + " header required",
		})
	}
	if !accountIDPattern.MatchString(id) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "bad_request",
			"message": "malformed account id",
		})
	}
	return c.Next()
}
