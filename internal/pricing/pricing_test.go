package pricing

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-12
}

func TestCostKnownModel(t *testing.T) {
	got := Cost("zai/glm-4.7", 1000, 2000)
	if !almostEqual(got, 0.0035) {
		t.Fatalf("cost = %v, want 0.0035", got)
	}
}

func TestCostFlashModel(t *testing.T) {
	got := Cost("zai/glm-4.7-flash", 1_000_000, 1_000_000)
	if !almostEqual(got, 0.40) {
		t.Fatalf("cost = %v, want 0.40", got)
	}
}

func TestCostLocalModelIsFree(t *testing.T) {
	if got := Cost("ollama/llama-4", 500_000, 500_000); got != 0 {
		t.Fatalf("cost = %v, want 0", got)
	}
}

func TestCostUnknownModelFallsBack(t *testing.T) {
	got := Cost("someone/else", 1000, 2000)
	if !almostEqual(got, 0.0035) {
		t.Fatalf("cost = %v, want fallback 0.0035", got)
	}
}
