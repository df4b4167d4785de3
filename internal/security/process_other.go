//go:build !unix

package security

func disableCoreDumps() error {
	return nil
}

func coreDumpsEnabled() bool {
	return false
}
