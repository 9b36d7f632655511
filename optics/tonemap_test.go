package optics

import (
	"math"
	"testing"
)

// TestToneMapIdentity verifies contrast 1 and gamma 1 leave pixels alone
func TestToneMapIdentity(t *testing.T) {
	r := patternRaster(16, 16)
	want := r.Clone()
	ToneMap(r, 1, 1)
	for i := range r.Pix {
		if r.Pix[i] != want.Pix[i] {
			t.Fatalf("sample %d = %d; want %d", i, r.Pix[i], want.Pix[i])
		}
	}

	lut := ToneLUT(1, 1)
	for i, v := range lut {
		if int(v) != i {
			t.Fatalf("ToneLUT(1,1)[%d] = %d", i, v)
		}
	}
}

// TestToneMapContrast verifies contrast scales and saturates
func TestToneMapContrast(t *testing.T) {
	r := NewRaster(256, 1)
	for i := 0; i < 256; i++ {
		r.Pix[i*3], r.Pix[i*3+1], r.Pix[i*3+2] = uint8(i), uint8(i), uint8(i)
	}
	ToneMap(r, 1.3, 1)
	for i := 0; i < 256; i++ {
		want := math.Min(255, math.Round(float64(i)*1.3))
		if got := r.Pix[i*3]; float64(got) != want {
			t.Errorf("contrast 1.3 on %d = %d; want %v", i, got, want)
		}
	}
}

// TestToneLUTGamma verifies the gamma curve keeps its end points
func TestToneLUTGamma(t *testing.T) {
	tests := []struct {
		gamma float64
		in    int
		want  uint8
	}{
		{1.5, 0, 0},
		{1.5, 255, 255},
		{1.5, 128, 161},
		{0.7, 128, 95},
	}
	for _, tt := range tests {
		lut := ToneLUT(1, tt.gamma)
		if got := lut[tt.in]; got != tt.want {
			t.Errorf("ToneLUT(1, %v)[%d] = %d; want %d", tt.gamma, tt.in, got, tt.want)
		}
	}
}
