package tier

// Tier classifies a device's total physical memory into one of three
// generation-policy classes. The classifier and the budget table in this
// package are the only place thresholds live; nothing else in the tree may
// restate a byte threshold or a token cap.
type Tier int

const (
	// UltraLow covers devices with at most 4 GiB of memory.
	UltraLow Tier = iota
	// Low covers devices with at most 8 GiB of memory.
	Low
	// Standard covers everything above.
	Standard
)

const (
	ultraLowMaxBytes = uint64(4) << 30
	lowMaxBytes      = uint64(8) << 30

	// fallbackTotalBytes is assumed when detection is unavailable; it maps
	// to the Low tier so an unknown host never gets the largest budget.
	fallbackTotalBytes = uint64(8) << 30
)

func (t Tier) String() string {
	switch t {
	case UltraLow:
		return "ultra-low"
	case Low:
		return "low"
	case Standard:
		return "standard"
	default:
		return "unknown"
	}
}

// Parse maps a tier name to its Tier. The empty string and unknown names
// report ok=false, meaning the caller should classify from memory instead.
func Parse(s string) (Tier, bool) {
	switch s {
	case "ultra-low":
		return UltraLow, true
	case "low":
		return Low, true
	case "standard":
		return Standard, true
	}
	return UltraLow, false
}

// Classify maps total physical memory to a tier. It is pure and total:
// every input yields a tier, and more memory never yields a lower one.
func Classify(totalBytes uint64) Tier {
	switch {
	case totalBytes <= ultraLowMaxBytes:
		return UltraLow
	case totalBytes <= lowMaxBytes:
		return Low
	default:
		return Standard
	}
}

// Resolve returns the tier in effect for one invocation plus the memory
// figure it was derived from. A forced tier name wins over everything;
// overrideBytes (0 = none) wins over the live reading; a failed live
// reading falls back to a figure that classifies as Low.
func Resolve(forced string, overrideBytes uint64) (Tier, uint64) {
	total := overrideBytes
	if total == 0 {
		detected, err := DetectTotalMemory()
		if err != nil || detected == 0 {
			detected = fallbackTotalBytes
		}
		total = detected
	}
	if t, ok := Parse(forced); ok {
		return t, total
	}
	return Classify(total), total
}
