package tensor

// ConvOutputSize returns the spatial output size of a convolution or pooling
// window along one axis.
func ConvOutputSize(in, kernel, stride, pad int) int {
	return (in+2*pad-kernel)/stride + 1
}

// Im2Col unrolls a single [C,H,W] image into a [C*kh*kw, outH*outW] column
// matrix written to cols. Padded positions are zero.
func Im2Col(img []float32, channels, height, width, kh, kw, stride, padH, padW int, cols []float32) {
	outH := ConvOutputSize(height, kh, stride, padH)
	outW := ConvOutputSize(width, kw, stride, padW)
	outSize := outH * outW

	for c := 0; c < channels; c++ {
		chanOff := c * height * width
		for ki := 0; ki < kh; ki++ {
			for kj := 0; kj < kw; kj++ {
				row := (c*kh+ki)*kw + kj
				dst := cols[row*outSize : (row+1)*outSize]
				for oy := 0; oy < outH; oy++ {
					iy := oy*stride - padH + ki
					for ox := 0; ox < outW; ox++ {
						ix := ox*stride - padW + kj
						if iy < 0 || iy >= height || ix < 0 || ix >= width {
							dst[oy*outW+ox] = 0
							continue
						}
						dst[oy*outW+ox] = img[chanOff+iy*width+ix]
					}
				}
			}
		}
	}
}

// Col2Im is the adjoint of Im2Col: it scatters a column matrix back into a
// [C,H,W] image, accumulating overlapping windows into img.
func Col2Im(cols []float32, channels, height, width, kh, kw, stride, padH, padW int, img []float32) {
	outH := ConvOutputSize(height, kh, stride, padH)
	outW := ConvOutputSize(width, kw, stride, padW)
	outSize := outH * outW

	for c := 0; c < channels; c++ {
		chanOff := c * height * width
		for ki := 0; ki < kh; ki++ {
			for kj := 0; kj < kw; kj++ {
				row := (c*kh+ki)*kw + kj
				src := cols[row*outSize : (row+1)*outSize]
				for oy := 0; oy < outH; oy++ {
					iy := oy*stride - padH + ki
					if iy < 0 || iy >= height {
						continue
					}
					for ox := 0; ox < outW; ox++ {
						ix := ox*stride - padW + kj
						if ix < 0 || ix >= width {
							continue
						}
						img[chanOff+iy*width+ix] += src[oy*outW+ox]
					}
				}
			}
		}
	}
}
