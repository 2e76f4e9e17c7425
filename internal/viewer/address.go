package viewer

import (
	"regexp"
	"strings"
)

// Raw address strings coming out of a debug adapter are often annotated with
// symbol text, e.g. "0x401020 <main+16>". Only the hexadecimal prefix is
// meaningful to the goto server.
var canonicalAddressPattern = regexp.MustCompile(`^0[xX][0-9a-fA-F]+`)

// CanonicalAddress returns the canonical hexadecimal prefix of a raw address
// string with any trailing annotation stripped. Returns the empty string when
// raw does not start with a hexadecimal address.
func CanonicalAddress(raw string) string {
	return canonicalAddressPattern.FindString(strings.TrimSpace(raw))
}
