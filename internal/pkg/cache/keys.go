package cache

const keyPrefix = "billing:"

// SubscriptionKey holds the resolved subscription snapshot of an account.
func SubscriptionKey(accountID string) string {
	return keyPrefix + "subscription:" + accountID
}

// MonthlyUsageKey holds the month-to-date spend of an account.
func MonthlyUsageKey(accountID string) string {
	return keyPrefix + "usage:monthly:" + accountID
}

// ThreadUsageKey holds the per-thread usage history of an account.
func ThreadUsageKey(accountID string) string {
	return keyPrefix + "usage:threads:" + accountID
}

// AllowedModelsKey holds the model allow-list of an account.
func AllowedModelsKey(accountID string) string {
	return keyPrefix + "models:" + accountID
}

// AccountKeys lists every key cached for an account.
func AccountKeys(accountID string) []string {
	return []string{
		SubscriptionKey(accountID),
		MonthlyUsageKey(accountID),
		ThreadUsageKey(accountID),
		AllowedModelsKey(accountID),
	}
}
