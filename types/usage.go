package types

import "fmt"

// Usage is token accounting attached to a response.
type Usage struct {
	InputTokens              int  `json:"input_tokens"`
	OutputTokens             int  `json:"output_tokens"`
	CacheCreationInputTokens *int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     *int `json:"cache_read_input_tokens,omitempty"`
}

// TotalTokens is the sum of input, output and cache token counts.
func (u Usage) TotalTokens() int {
	total := u.InputTokens + u.OutputTokens
	if u.CacheCreationInputTokens != nil {
		total += *u.CacheCreationInputTokens
	}
	if u.CacheReadInputTokens != nil {
		total += *u.CacheReadInputTokens
	}
	return total
}

// Validate rejects negative counts.
func (u Usage) Validate() error {
	if u.InputTokens < 0 || u.OutputTokens < 0 {
		return fmt.Errorf("usage: negative token count")
	}
	if u.CacheCreationInputTokens != nil && *u.CacheCreationInputTokens < 0 {
		return fmt.Errorf("usage: negative cache_creation_input_tokens")
	}
	if u.CacheReadInputTokens != nil && *u.CacheReadInputTokens < 0 {
		return fmt.Errorf("usage: negative cache_read_input_tokens")
	}
	return nil
}

// Merge overlays the non-zero counts of delta onto u. Stream deltas carry
// cumulative counts, so values replace rather than add.
func (u *Usage) Merge(delta Usage) {
	if delta.InputTokens != 0 {
		u.InputTokens = delta.InputTokens
	}
	if delta.OutputTokens != 0 {
		u.OutputTokens = delta.OutputTokens
	}
	if delta.CacheCreationInputTokens != nil {
		v := *delta.CacheCreationInputTokens
		u.CacheCreationInputTokens = &v
	}
	if delta.CacheReadInputTokens != nil {
		v := *delta.CacheReadInputTokens
		u.CacheReadInputTokens = &v
	}
}

// Clone returns a deep copy.
func (u Usage) Clone() Usage {
	c := u
	if u.CacheCreationInputTokens != nil {
		v := *u.CacheCreationInputTokens
		c.CacheCreationInputTokens = &v
	}
	if u.CacheReadInputTokens != nil {
		v := *u.CacheReadInputTokens
		c.CacheReadInputTokens = &v
	}
	return c
}
