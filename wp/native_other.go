//go:build !linux || !amd64

package wp

// NewNative returns Nop where there is no native controller.
func NewNative() Controller { return Nop{} }
