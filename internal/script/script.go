package script

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Script is an immutable candidate model description. Regeneration always
// produces a new Script value; nothing in the pipeline mutates one in place.
type Script struct {
	text string
}

// New wraps raw script text in a Script value
func New(text string) Script {
	return Script{text: text}
}

// Text returns the raw script text
func (s Script) Text() string {
	return s.text
}

// IsEmpty reports whether the script contains no non-whitespace content
func (s Script) IsEmpty() bool {
	return strings.TrimSpace(s.text) == ""
}

// Hash returns the SHA256 hex digest of the script text, used as the
// identity key in the compile registry
func (s Script) Hash() string {
	sum := sha256.Sum256([]byte(s.text))
	return hex.EncodeToString(sum[:])
}

var libraryRefPattern = regexp.MustCompile(`(?m)^\s*(?:use|include)\s*<([^>]+)>`)

// Libraries returns the names of external libraries referenced through
// use/include directives, in order of first appearance, deduplicated
func (s Script) Libraries() []string {
	matches := libraryRefPattern.FindAllStringSubmatch(s.text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	var libs []string
	for _, m := range matches {
		name := strings.TrimSpace(m[1])
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		libs = append(libs, name)
	}
	return libs
}
