package montecarlo

// WorkerShare is the number of throws of every worker: total / size.
func WorkerShare(total uint64, size int) uint64 {
	if size < 1 {
		return 0
	}
	return total / uint64(size)
}

// ManagerShare is the worker share plus the remainder of the division, so the
// shares of a group of size members add up to total. When total < size the
// manager throws every dart.
func ManagerShare(total uint64, size int) uint64 {
	if size < 1 {
		return total
	}
	return total/uint64(size) + total%uint64(size)
}
