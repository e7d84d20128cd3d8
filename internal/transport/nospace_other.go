//go:build !linux && !darwin && !freebsd

package transport

func isNoSpace(error) bool { return false }
