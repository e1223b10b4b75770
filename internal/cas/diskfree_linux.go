package cas

import "syscall"

// diskFreeBytes reports free bytes on the filesystem containing dir,
// used by PutStreaming's disk-budget pre-check (spec §4.G
// "disk-insufficient").
func diskFreeBytes(dir string) (int64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
