//go:build !unix

package destfile

import "math"

// availableBytes is not implemented on this platform; the write path
// reports storage exhaustion instead.
func availableBytes(root string) (int64, error) {
	return math.MaxInt64, nil
}
