package session

import (
	"fmt"
	"unicode/utf16"
)

// CodeType names the outcome a completion code certifies.
type CodeType string

const (
	CodeCompleted CodeType = "COMPLETED"
	CodeError     CodeType = "ERROR"
	CodeAborted   CodeType = "ABORTED"
	CodeTimeout   CodeType = "TIMEOUT"
)

// CodeTypes lists every completion code type in display order.
var CodeTypes = []CodeType{CodeCompleted, CodeError, CodeAborted, CodeTimeout}

// ParseCodeType validates a code type name.
func ParseCodeType(s string) (CodeType, error) {
	for _, ct := range CodeTypes {
		if string(ct) == s {
			return ct, nil
		}
	}
	return "", fmt.Errorf("unknown completion code type %q", s)
}

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// CompletionCode derives the 6-character code for (codeType, version):
// the type's initial, a literal 0, then five base-36 digits of the hash of
// "{codeType}-{version}", least significant first.
func CompletionCode(codeType CodeType, version string) string {
	remaining := HashString(string(codeType) + "-" + version)

	code := make([]byte, 0, 7)
	code = append(code, string(codeType)[0], '0')
	for range 5 {
		code = append(code, codeAlphabet[remaining%int64(len(codeAlphabet))])
		remaining /= int64(len(codeAlphabet))
	}
	return string(code)
}

// HashString is the 32-bit polynomial rolling hash (multiplier 31) over
// UTF-16 code units, returned as an absolute value.
func HashString(s string) int64 {
	var h int32
	for _, unit := range utf16.Encode([]rune(s)) {
		h = (h << 5) - h + int32(unit)
	}
	n := int64(h)
	if n < 0 {
		n = -n
	}
	return n
}
