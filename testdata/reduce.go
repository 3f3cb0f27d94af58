package kernels

import "gpu"

var partial [256]float32

// BlockSum adds the 256 inputs of one block in shared memory and writes
// the total to out[block].
func BlockSum(in *[1 << 16]float32, out *[256]float32) {
	tid := gpu.ThreadIdxX()
	block := gpu.BlockIdxX()
	partial[tid] = in[block*256+tid]
	gpu.SyncThreads()
	for s := int32(128); s > 0; s >>= 1 {
		if tid < s {
			partial[tid] += partial[tid+s]
		}
		gpu.SyncThreads()
	}
	if tid == 0 {
		out[block] = partial[0]
	}
}
