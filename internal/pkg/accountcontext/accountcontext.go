package accountcontext

import "github.com/gofiber/fiber/v2"

// AccountContext identifies the tenant a request acts for
type AccountContext struct {
	AccountID     string `json:"account_id"`
	Email         string `json:"email,omitempty"`
	Authenticated bool   `json:"authenticated"`
}

// GetAccountContext retrieves the account context from fiber context
// Returns an anonymous context if none is set
func GetAccountContext(c *fiber.Ctx) AccountContext {
	if ctx, ok := c.Locals(KeyAccountContext).(AccountContext); ok {
		return ctx
	}
	return AccountContext{}
}

// SetAccountContext stores the account context on the request
func SetAccountContext(c *fiber.Ctx, ctx AccountContext) {
	c.Locals(KeyAccountContext, ctx)
}

// IsAuthenticated reports whether the caller presented the internal key
func IsAuthenticated(c *fiber.Ctx) bool {
	if ok, _ := c.Locals(KeyAuthenticated).(bool); ok {
		return true
	}
	return false
}

// GetAccountID returns the current account id, or "" when none was sent
func GetAccountID(c *fiber.Ctx) string {
	return GetAccountContext(c).AccountID
}
