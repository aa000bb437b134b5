package randvar

import (
	"math"
	"math/rand"
	"testing"
)

func TestNormalMoments(t *testing.T) {
	src := rand.New(rand.NewSource(1))

	n := 100000
	sum, sumSq := 0.0, 0.0
	for i := 0; i < n; i++ {
		x := Normal(src)
		sum += x
		sumSq += x * x
	}

	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean

	if math.Abs(mean) > 0.02 {
		t.Errorf("Normal mean = %.4f, want ~0", mean)
	}
	if math.Abs(variance-1.0) > 0.05 {
		t.Errorf("Normal variance = %.4f, want ~1", variance)
	}
}

func TestGammaMean(t *testing.T) {
	tests := []struct {
		name  string
		shape float64
	}{
		{"shape_below_one", 0.5},
		{"shape_one", 1.0},
		{"shape_two", 2.0},
		{"shape_large", 9.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := rand.New(rand.NewSource(42))

			n := 100000
			sum := 0.0
			for i := 0; i < n; i++ {
				sum += Gamma(src, tt.shape)
			}
			mean := sum / float64(n)

			// Gamma(shape, 1) has mean = shape.
			if math.Abs(mean-tt.shape) > 0.05*tt.shape+0.01 {
				t.Errorf("Gamma(%.1f) mean = %.4f, want ~%.1f", tt.shape, mean, tt.shape)
			}
		})
	}
}

func TestBetaMean(t *testing.T) {
	src := rand.New(rand.NewSource(7))

	// Beta(2,5) has true mean 2/7.
	n := 100000
	sum := 0.0
	for i := 0; i < n; i++ {
		x := Beta(src, 2, 5)
		if x < 0 || x > 1 {
			t.Fatalf("Beta draw out of range: %f", x)
		}
		sum += x
	}
	mean := sum / float64(n)

	want := 2.0 / 7.0
	if math.Abs(mean-want) > 0.01 {
		t.Errorf("Beta(2,5) mean = %.4f, want within 0.01 of %.4f", mean, want)
	}
}

func TestBetaUniformPrior(t *testing.T) {
	src := rand.New(rand.NewSource(3))

	// Beta(1,1) is uniform on [0,1]: mean 0.5, variance 1/12.
	n := 100000
	sum, sumSq := 0.0, 0.0
	for i := 0; i < n; i++ {
		x := Beta(src, 1, 1)
		sum += x
		sumSq += x * x
	}
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean

	if math.Abs(mean-0.5) > 0.01 {
		t.Errorf("Beta(1,1) mean = %.4f, want ~0.5", mean)
	}
	if math.Abs(variance-1.0/12.0) > 0.005 {
		t.Errorf("Beta(1,1) variance = %.4f, want ~%.4f", variance, 1.0/12.0)
	}
}

func TestBetaInvalidParams(t *testing.T) {
	src := rand.New(rand.NewSource(1))

	if got := Beta(src, 0, 5); got != 0.5 {
		t.Errorf("Beta(0,5) = %f, want fallback 0.5", got)
	}
	if got := Beta(src, 2, -1); got != 0.5 {
		t.Errorf("Beta(2,-1) = %f, want fallback 0.5", got)
	}
}

func TestDeterministicWithSeededSource(t *testing.T) {
	a := rand.New(rand.NewSource(99))
	b := rand.New(rand.NewSource(99))

	for i := 0; i < 100; i++ {
		if x, y := Beta(a, 3, 4), Beta(b, 3, 4); x != y {
			t.Fatalf("draw %d diverged: %f vs %f", i, x, y)
		}
	}
}
