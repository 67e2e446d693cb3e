// Package sandbox confines client-supplied folder labels and file names to a
// server-controlled storage root.
package sandbox

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// DefaultLabel is used when the client leaves the output folder empty.
const DefaultLabel = "default"

const maxLabelLength = 80

var (
	ErrInvalidLabel = errors.New("invalid output folder label")
	ErrInvalidName  = errors.New("invalid file name")
)

// Resolve converts a client folder label into an absolute directory under
// root. The label must be a single path component; anything containing a
// separator or a parent-directory reference is rejected. Containment is
// verified on the canonicalized path, not by string concatenation, so
// symlinked roots cannot be escaped. Resolve never creates directories; a
// rejected label leaves the filesystem untouched.
func Resolve(root, label string) (string, error) {
	label = strings.TrimSpace(label)
	if label == "" || label == "." || label == "./" {
		label = DefaultLabel
	}

	// Decode percent-encoding before validation so encoded traversal
	// sequences (%2e%2e%2f) are caught, not smuggled past the checks.
	if decoded, err := url.QueryUnescape(label); err == nil {
		label = decoded
	}

	if !safeLabel(label) {
		return "", fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root %q: %w", root, err)
	}
	if canonical, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = canonical
	}

	base := filepath.Join(absRoot, label)
	if !strictDescendant(absRoot, base) {
		return "", fmt.Errorf("%w: %q escapes storage root", ErrInvalidLabel, label)
	}
	return base, nil
}

// ValidateFilename checks a client file name against the same traversal rules
// as Resolve. File retrieval is a second trust boundary, so the defense is
// applied independently of label validation.
func ValidateFilename(name string) error {
	if decoded, err := url.QueryUnescape(name); err == nil {
		name = decoded
	}
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if filepath.Base(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func safeLabel(label string) bool {
	if len(label) > maxLabelLength {
		return false
	}
	if label == "." || label == ".." {
		return false
	}
	if strings.ContainsAny(label, `/\`) || strings.Contains(label, "..") {
		return false
	}
	for _, ch := range label {
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case ch == '.' || ch == '_' || ch == '-':
		default:
			return false
		}
	}
	return true
}

// strictDescendant reports whether path is strictly below root.
func strictDescendant(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
