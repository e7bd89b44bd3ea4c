package tier

import (
	"math"
	"testing"
)

func TestClassifyThresholds(t *testing.T) {
	cases := []struct {
		bytes uint64
		want  Tier
	}{
		{0, UltraLow},
		{1 << 30, UltraLow},
		{3 << 30, UltraLow},
		{4 << 30, UltraLow},
		{4<<30 + 1, Low},
		{6 << 30, Low},
		{8 << 30, Low},
		{8<<30 + 1, Standard},
		{12 << 30, Standard},
		{math.MaxUint64, Standard},
	}
	for _, c := range cases {
		if got := Classify(c.bytes); got != c.want {
			t.Fatalf("Classify(%d) = %v, want %v", c.bytes, got, c.want)
		}
	}
}

func TestClassifyMonotonic(t *testing.T) {
	// Sweep in 256 MiB steps across the interesting range; the tier must
	// never step down as memory grows.
	prev := Classify(0)
	for b := uint64(0); b <= 16<<30; b += 256 << 20 {
		cur := Classify(b)
		if cur < prev {
			t.Fatalf("tier decreased at %d bytes: %v -> %v", b, prev, cur)
		}
		prev = cur
	}
}

func TestStringAndParseRoundTrip(t *testing.T) {
	for _, tr := range []Tier{UltraLow, Low, Standard} {
		got, ok := Parse(tr.String())
		if !ok || got != tr {
			t.Fatalf("Parse(%q) = %v, %v", tr.String(), got, ok)
		}
	}
	if _, ok := Parse(""); ok {
		t.Fatalf("Parse of empty string should not resolve a tier")
	}
	if _, ok := Parse("huge"); ok {
		t.Fatalf("Parse of unknown name should not resolve a tier")
	}
	if s := Tier(99).String(); s != "unknown" {
		t.Fatalf("out-of-range String() = %q", s)
	}
}

func TestResolveOverrides(t *testing.T) {
	// Byte override wins over detection.
	tr, total := Resolve("", 3<<30)
	if tr != UltraLow || total != 3<<30 {
		t.Fatalf("Resolve with 3GiB override = %v, %d", tr, total)
	}
	// Forced tier wins over the byte override.
	tr, total = Resolve("standard", 3<<30)
	if tr != Standard {
		t.Fatalf("forced tier not honored: got %v", tr)
	}
	if total != 3<<30 {
		t.Fatalf("forced tier should not change the memory figure: got %d", total)
	}
	// Unknown forced name falls back to classification.
	tr, _ = Resolve("bogus", 16<<30)
	if tr != Standard {
		t.Fatalf("unknown forced name should classify from bytes: got %v", tr)
	}
}
