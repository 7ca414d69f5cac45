package hooks

import "os"

// osStat and osEnviron are indirections over the os package so tests can
// substitute a fake filesystem/environment without touching the real one.
var (
	osStat    = os.Stat
	osEnviron = os.Environ
)
