//go:build !linux
// +build !linux

package aio

// New requires a Linux kernel backend; other platforms can still drive a
// loop through NewWithBackend and a custom Backend.
func New(cfg Config) (*Loop, error) {
	return nil, NewError("INIT", ErrCodeBackendInit, "no kernel backend on this platform")
}
