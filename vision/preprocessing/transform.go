package preprocessing

// NormalizeMinMax rescales data in place to [0, 1]. A constant image
// becomes all zeros.
func NormalizeMinMax(data []float32) {
	if len(data) == 0 {
		return
	}
	lo, hi := data[0], data[0]
	for _, v := range data[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	span := hi - lo
	for i, v := range data {
		if span == 0 {
			data[i] = 0
		} else {
			data[i] = (v - lo) / span
		}
	}
}

// FlipHorizontal mirrors an HWC image left to right in place.
func FlipHorizontal(data []float32, height, width, channels int) {
	for y := 0; y < height; y++ {
		row := y * width * channels
		for l, r := 0, width-1; l < r; l, r = l+1, r-1 {
			for c := 0; c < channels; c++ {
				a, b := row+l*channels+c, row+r*channels+c
				data[a], data[b] = data[b], data[a]
			}
		}
	}
}

// FlipVertical mirrors an HWC image top to bottom in place.
func FlipVertical(data []float32, height, width, channels int) {
	stride := width * channels
	for t, b := 0, height-1; t < b; t, b = t+1, b-1 {
		top := data[t*stride : (t+1)*stride]
		bottom := data[b*stride : (b+1)*stride]
		for i := range top {
			top[i], bottom[i] = bottom[i], top[i]
		}
	}
}
