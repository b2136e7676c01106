package kvstore

import (
	"fmt"
	"strings"
	"unicode"
)

// ValidateSegment checks that s can be used as a single path segment,
// such as a user id embedded in an index path.
func ValidateSegment(s string) error {
	if s == "" || len(s) > 128 {
		return fmt.Errorf("%w: segment %q", ErrInvalidPath, s)
	}
	if strings.ContainsFunc(s, func(r rune) bool {
		return r == '/' || unicode.IsSpace(r) || unicode.IsControl(r)
	}) {
		return fmt.Errorf("%w: segment %q", ErrInvalidPath, s)
	}
	return nil
}
