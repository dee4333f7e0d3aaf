package queue

import (
	"fmt"
	"strings"
)

// qualifiedStructName returns the package-qualified type name of v without
// pointer prefixes, for payload decode errors.
func qualifiedStructName(v any) string {
	s := fmt.Sprintf("%T", v)
	s = strings.TrimLeft(s, "*")

	return s
}
