//go:build !gocv

package camera

func gocvOpener() (Opener, bool) { return nil, false }
