package bench

import (
	"math"
	"testing"
	"time"
)

func TestSamplerSimpleAverage(t *testing.T) {
	s := NewSampler(1, 2, false)

	iv := s.Add(time.Second, 1_000_000)
	if math.Abs(iv.ShortMbps-8) > 0.001 {
		t.Fatalf("expected short 8 Mbps, got %.3f", iv.ShortMbps)
	}
	if math.Abs(iv.LongMbps-8) > 0.001 {
		t.Fatalf("expected long 8 Mbps, got %.3f", iv.LongMbps)
	}

	iv = s.Add(2*time.Second, 3_000_000)
	if math.Abs(iv.ShortMbps-16) > 0.001 {
		t.Fatalf("expected short 16 Mbps, got %.3f", iv.ShortMbps)
	}
	if math.Abs(iv.LongMbps-12) > 0.001 {
		t.Fatalf("expected long 12 Mbps over two intervals, got %.3f", iv.LongMbps)
	}

	if got := len(s.Intervals()); got != 3 {
		t.Fatalf("expected sentinel plus 2 intervals, got %d", got)
	}
}

func TestSamplerEMA(t *testing.T) {
	s := NewSampler(1, 3, true)

	iv := s.Add(time.Second, 1_000_000)
	// alpha=1 for n=1, alpha=0.5 for n=3
	if math.Abs(iv.ShortMbps-8) > 0.001 {
		t.Fatalf("expected short 8, got %.3f", iv.ShortMbps)
	}
	if math.Abs(iv.LongMbps-4) > 0.001 {
		t.Fatalf("expected long 4, got %.3f", iv.LongMbps)
	}

	iv = s.Add(2*time.Second, 2_000_000)
	if math.Abs(iv.LongMbps-6) > 0.001 {
		t.Fatalf("expected long 6, got %.3f", iv.LongMbps)
	}
}

func TestSamplerZeroWindow(t *testing.T) {
	s := NewSampler(0, 0, false)
	iv := s.Add(time.Second, 100)
	if iv.ShortMbps != 0 || iv.LongMbps != 0 {
		t.Fatalf("expected zero speeds, got %+v", iv)
	}
}

func TestVariance(t *testing.T) {
	if got := Variance(0, 0); got != 0 {
		t.Fatalf("expected 0, got %.3f", got)
	}
	if got := Variance(90, 100); math.Abs(got-0.1) > 1e-9 {
		t.Fatalf("expected 0.1, got %.3f", got)
	}
	if Variance(100, 90) != Variance(90, 100) {
		t.Fatalf("variance should be symmetric")
	}
}
