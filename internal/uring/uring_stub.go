//go:build !linux
// +build !linux

package uring

import "fmt"

// New is only available on Linux; other platforms have no ring facility.
func New(entries uint32) (Queue, error) {
	return nil, fmt.Errorf("io_uring is not available on this platform")
}

// Available reports whether the kernel supports io_uring.
func Available() bool {
	return false
}
