package kernels

// Fib returns the n-th Fibonacci number.
func Fib(n int32) int32 {
	a, b := int32(0), int32(1)
	for i := int32(0); i < n; i++ {
		a, b = b, a+b
	}
	return a
}

// rotate swaps x and y n times; the loop carries a phi cycle.
func rotate(n, x, y int32) int32 {
	for i := int32(0); i < n; i++ {
		x, y = y, x
	}
	return x - y
}

// FibTable stores Fib(k) for the first 16 k.
func FibTable(out *[16]int32) {
	for k := int32(0); k < 16; k++ {
		out[k] = Fib(k) + rotate(k, k, 0)
	}
}
