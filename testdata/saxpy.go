package kernels

// Saxpy computes y[i] = a*x[i] + y[i]. The index is supplied by the
// launch, so compile with one intrinsic parameter.
func Saxpy(i int32, n int32, a float32, x *[1 << 20]float32, y *[1 << 20]float32) {
	if i < n {
		y[i] = a*x[i] + y[i]
	}
}
