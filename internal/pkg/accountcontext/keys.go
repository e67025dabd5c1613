package accountcontext

// Shared Locals keys and request headers used across controllers and middlewares
const (
	KeyAccountContext  = "ACCOUNT_CONTEXT"
	KeyAuthenticated   = "authenticated"
	KeyBillingDecision = "billing_decision"

	HeaderInternalKey  = "X-Internal-Key"
	HeaderAccountID    = "X-Account-ID"
	HeaderAccountEmail = "X-Account-Email"
)
