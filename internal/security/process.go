package security

// DisableCoreDumps sets RLIMIT_CORE to zero so a crash while the private
// exponent is loaded does not write it to disk. It is a no-op where
// resource limits are unavailable.
func DisableCoreDumps() error {
	return disableCoreDumps()
}

// CoreDumpsEnabled reports whether the process may currently dump core.
func CoreDumpsEnabled() bool {
	return coreDumpsEnabled()
}
