package clienthello

import "fmt"

// lengthPrefixed decodes data[start:end] as a big-endian length and returns
// the slice of that many bytes immediately following end. The length field
// may be any width.
func lengthPrefixed(data []byte, start, end int) ([]byte, error) {
	if start < 0 || start > end || end > len(data) {
		return nil, fmt.Errorf("%w: length field [%d,%d) outside %d bytes", ErrInsufficientData, start, end, len(data))
	}
	var n uint64
	for _, b := range data[start:end] {
		n = n<<8 | uint64(b)
		// Anything larger than the whole buffer can never be satisfied, and
		// bailing here keeps wide fields from overflowing n.
		if n > uint64(len(data)) {
			return nil, fmt.Errorf("%w: declared length exceeds buffer", ErrInsufficientData)
		}
	}
	if n > uint64(len(data)-end) {
		return nil, fmt.Errorf("%w: need %d bytes after offset %d, have %d", ErrInsufficientData, n, end, len(data)-end)
	}
	return data[end : end+int(n)], nil
}

// skipLengthPrefixed returns what follows the length-prefixed field at
// [start,end), dropping both the prefix and its payload.
func skipLengthPrefixed(data []byte, start, end int) ([]byte, error) {
	field, err := lengthPrefixed(data, start, end)
	if err != nil {
		return nil, err
	}
	return data[end+len(field):], nil
}
