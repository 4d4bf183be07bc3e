package pebble

const (
	// reputation keys
	reputationRecordKey = byte(1)

	// special keys
	reputationHeightKey = byte(100)
)

// prefixUpperBound returns the smallest key greater than every key
// starting with code.
func prefixUpperBound(code byte) []byte {
	return []byte{code + 1}
}
