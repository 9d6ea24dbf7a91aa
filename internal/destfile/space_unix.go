//go:build unix

package destfile

import "golang.org/x/sys/unix"

// availableBytes returns the free space on the filesystem containing
// root, minus a small margin so that creating the file itself cannot
// push the filesystem over the edge.
func availableBytes(root string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(root, &stat); err != nil {
		return 0, err
	}

	blocks := int64(stat.Bavail) - 4
	if blocks < 0 {
		blocks = 0
	}

	return blocks * int64(stat.Bsize), nil
}
