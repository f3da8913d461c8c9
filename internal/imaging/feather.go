package imaging

// BorderFeather down-weights pixels near the image edge. A pixel at distance d
// from the nearest edge is scaled by min(1, d/radius), so edge pixels carry no
// weight and pixels at least radius away from every edge are unchanged.
type BorderFeather struct {
	src    Values
	radius int
}

// NewBorderFeather wraps src. A radius <= 0 disables feathering.
func NewBorderFeather(src Values, radius int) *BorderFeather {
	return &BorderFeather{src: src, radius: radius}
}

// Size implements Values.
func (f *BorderFeather) Size() (int, int) {
	return f.src.Size()
}

// Weight returns the feathering factor for a pixel.
func (f *BorderFeather) Weight(x, y int) float64 {
	if f.radius <= 0 {
		return 1
	}
	w, h := f.src.Size()
	d := min(x, y, w-1-x, h-1-y)
	if d >= f.radius {
		return 1
	}
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(f.radius)
}

// Value implements Values.
func (f *BorderFeather) Value(x, y int) float64 {
	// non-finite values stay non-finite after scaling
	return f.src.Value(x, y) * f.Weight(x, y)
}
