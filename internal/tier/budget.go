package tier

// Budget is the generation configuration bound to a tier: engine cache and
// memory ceilings, the token cap, and the longest-edge pixel cap applied to
// request images. Every field is monotone nondecreasing from UltraLow up.
type Budget struct {
	CacheLimitBytes  int64
	MemoryLimitBytes int64 // 0 means unlimited
	MaxTokens        int
	ImageEdgePixels  int
}

var budgets = [...]Budget{
	UltraLow: {CacheLimitBytes: 8 << 20, MemoryLimitBytes: 1536 << 20, MaxTokens: 50, ImageEdgePixels: 224},
	Low:      {CacheLimitBytes: 32 << 20, MemoryLimitBytes: 3 << 30, MaxTokens: 240, ImageEdgePixels: 448},
	Standard: {CacheLimitBytes: 64 << 20, MemoryLimitBytes: 0, MaxTokens: 800, ImageEdgePixels: 672},
}

// Budget returns the generation budget for t. Out-of-range values get the
// UltraLow budget, the safe floor.
func (t Tier) Budget() Budget {
	if t < UltraLow || t > Standard {
		return budgets[UltraLow]
	}
	return budgets[t]
}

// CapTokens bounds a requested token count by the budget. Zero or negative
// requests inherit the cap.
func (b Budget) CapTokens(requested int) int {
	if requested <= 0 || requested > b.MaxTokens {
		return b.MaxTokens
	}
	return requested
}
