package types

// Token accounting is deliberately cheap: downstream budgets only need
// to be approximately right, and the 4-chars-per-token estimate is the
// contract shared by the context accumulator and handover renderer.

// CharsPerToken is the estimation ratio used everywhere tokens are
// budgeted.
const CharsPerToken = 4

// EstimateTokens approximates the token count of s.
func EstimateTokens(s string) int {
	return (len(s) + CharsPerToken - 1) / CharsPerToken
}

// TokenBudgetChars converts a token budget to a character budget.
func TokenBudgetChars(maxTokens int) int {
	return maxTokens * CharsPerToken
}
