package control

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"
)

func TestLowPassFilterZeroTauPassesThrough(t *testing.T) {
	f := NewLowPassFilter(0, clock.NewMock())
	for _, v := range []float64{1, -3.5, 1e6, 0, 42} {
		test.That(t, f.Apply(v, 0.002), test.ShouldEqual, v)
		test.That(t, f.ApplyAuto(v), test.ShouldEqual, v)
	}
}

func TestLowPassFilterFirstCallAdoptsInput(t *testing.T) {
	f := NewLowPassFilter(0.1, clock.NewMock())
	test.That(t, f.Apply(5, 0.01), test.ShouldEqual, 5.0)

	// alpha = 0.01 / (0.1 + 0.01) = 1/11
	got := f.Apply(16, 0.01)
	test.That(t, got, test.ShouldAlmostEqual, 6.0, 1e-12)
	test.That(t, f.Value(), test.ShouldEqual, got)
}

func TestLowPassFilterNonPositiveStepSnaps(t *testing.T) {
	f := NewLowPassFilter(0.5, clock.NewMock())
	f.Reset(1)
	test.That(t, f.Apply(9, 0), test.ShouldEqual, 9.0)
	test.That(t, f.Apply(-2, -1), test.ShouldEqual, -2.0)
}

func TestLowPassFilterApplyAutoGuardsStep(t *testing.T) {
	clk := clock.NewMock()
	f := NewLowPassFilter(1, clk)
	f.Reset(0)

	// a 2 s gap is implausible and counts as 1 ms
	clk.Add(2 * time.Second)
	got := f.ApplyAuto(1)
	test.That(t, got, test.ShouldAlmostEqual, 0.001/1.001, 1e-12)

	clk.Add(100 * time.Millisecond)
	prev := got
	got = f.ApplyAuto(1)
	test.That(t, got, test.ShouldAlmostEqual, prev+(0.1/1.1)*(1-prev), 1e-12)

	// no time elapsed also falls back to 1 ms
	prev = got
	got = f.ApplyAuto(1)
	test.That(t, got, test.ShouldAlmostEqual, prev+(0.001/1.001)*(1-prev), 1e-12)
}
