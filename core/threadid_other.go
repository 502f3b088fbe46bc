//go:build !linux && !windows

package core

// currentThreadID is not available portably outside linux and windows.
func currentThreadID() int64 {
	return 0
}
