// Reference name validation, grounded on the same component-level idiom
// object/tree.go uses for tree entry names (object.validName), generalized
// to the slash-separated multi-component shape a ref name allows.
package refs

import "strings"

// Valid reports whether name is an acceptable reference name: non-empty,
// slash-separated components, no ".." or empty components, no control
// characters, and not ending in ".lock" (which would collide with this
// package's own lockfile suffix).
func Valid(name string) bool {
	if name == "" || strings.HasSuffix(name, ".lock") {
		return false
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
		for i := 0; i < len(part); i++ {
			c := part[i]
			if c < 0x20 || c == 0x7f {
				return false
			}
		}
	}
	return true
}
