package symtab

import (
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// demangleD performs a minimal D-language name demangle: enough to
// recover the dotted qualified name from a _D-prefixed mangled symbol
// by following the LName production (a decimal length prefix followed
// by that many identifier bytes, repeated) from the D ABI's name
// mangling rules. It stops at the first non-digit, which is where the
// type/signature encoding begins, and does not attempt to decode
// template arguments or that signature.
//
// No D demangler exists anywhere in the reference corpus (the
// ianlancetaylor/demangle package only covers Itanium C++ and Rust
// v0/legacy), so this is a deliberately narrow stand-in rather than a
// full implementation.
func demangleD(name string) (string, bool) {
	if !strings.HasPrefix(name, "_D") {
		return "", false
	}
	s := name[2:]
	var parts []string
	for len(s) > 0 && s[0] >= '0' && s[0] <= '9' {
		i := 0
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		n := 0
		for _, c := range s[:i] {
			n = n*10 + int(c-'0')
		}
		s = s[i:]
		if n <= 0 || n > len(s) {
			break
		}
		parts = append(parts, s[:n])
		s = s[n:]
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "."), true
}

// demangleAny attempts, in order, Itanium/Rust-v0 demangling (via
// ianlancetaylor/demangle, which also covers legacy Rust names) and D
// demangling, returning name unchanged if neither recognizes it.
func demangleAny(name string) string {
	if s, err := demangle.ToString(name); err == nil {
		return s
	}
	if d, ok := demangleD(name); ok {
		return d
	}
	return name
}
