package db

// PrefixUpperBound returns the smallest key greater than every key that
// begins with prefix, for use as an exclusive range end. It returns nil
// when no such key exists (the prefix is empty or all 0xff), meaning the
// range is unbounded above.
func PrefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
