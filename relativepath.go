package squashzip

import (
	"strings"
	"unicode/utf8"
)

// RelativePath is a validated entry path: a UTF-8 string using forward
// slashes, with no leading slash. §3 allows duplicate paths (discouraged,
// not rejected), so RelativePath does not enforce uniqueness; that is left
// to the caller or to the dedup index, which only cares about content.
type RelativePath string

// NewRelativePath validates s as a relative path per §3 and returns it as a
// RelativePath. It rejects invalid UTF-8 (every entry is written with the
// UTF-8 name flag set), a leading slash and backslashes, since those are
// things a conforming consumer of this package's output could not
// recover from; everything else (empty segments, ".." components) is left
// to the caller, mirroring the teacher's lightly-validated FileHeader.Name.
func NewRelativePath(s string) (RelativePath, error) {
	if !utf8.ValidString(s) {
		return "", errNotRelative(s)
	}
	if strings.HasPrefix(s, "/") {
		return "", errNotRelative(s)
	}
	if strings.ContainsRune(s, '\\') {
		return "", errNotRelative(s)
	}
	return RelativePath(s), nil
}

// String returns the path as a plain string.
func (p RelativePath) String() string {
	return string(p)
}

type notRelativeError struct {
	path string
}

func (e *notRelativeError) Error() string {
	return "not a valid relative path: " + e.path
}

func errNotRelative(path string) error {
	return &notRelativeError{path: path}
}
