// Package attrs cleans attribute maps before they are sent to the directory.
package attrs

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"staffline/internal/fault"
)

// Required must be present and non-empty after sanitizing.
var Required = []string{"sAMAccountName", "userPrincipalName", "givenName", "sn", "displayName"}

var loginClass = map[string]bool{
	"samaccountname":    true,
	"userprincipalname": true,
	"mail":              true,
}

var nameClass = map[string]bool{
	"givenname":   true,
	"sn":          true,
	"middlename":  true,
	"displayname": true,
}

// Sanitize returns a cleaned copy of in. Values are NFC-normalized and lose
// control characters; login-class and name-class attributes are further
// restricted to their character sets. Empty values and attributes are
// dropped. A missing required attribute fails with IncompleteIdentity.
func Sanitize(in map[string][]string) (map[string][]string, error) {
	out := make(map[string][]string, len(in))
	for name, values := range in {
		key := strings.ToLower(name)
		var kept []string
		for _, v := range values {
			v = stripControl(norm.NFC.String(v))
			switch {
			case loginClass[key]:
				v = keep(v, isLoginRune)
			case nameClass[key]:
				v = cleanName(v)
			}
			v = strings.TrimSpace(v)
			if v != "" {
				kept = append(kept, v)
			}
		}
		if len(kept) > 0 {
			out[name] = kept
		}
	}
	if missing := Missing(out); len(missing) > 0 {
		return out, fault.Newf(fault.IncompleteIdentity, "missing required attributes: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// Missing lists required attributes absent from attrs, compared case-insensitively.
func Missing(attrs map[string][]string) []string {
	present := make(map[string]bool, len(attrs))
	for name, values := range attrs {
		if len(values) > 0 && values[0] != "" {
			present[strings.ToLower(name)] = true
		}
	}
	var missing []string
	for _, name := range Required {
		if !present[strings.ToLower(name)] {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// Name applies the name-class rules to a single value, so a common name
// built from name parts matches the displayName that Sanitize will store.
func Name(v string) string {
	return cleanName(stripControl(norm.NFC.String(v)))
}

func cleanName(v string) string {
	return strings.Join(strings.Fields(keep(v, isNameRune)), " ")
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}

func keep(s string, ok func(rune) bool) string {
	return strings.Map(func(r rune) rune {
		if ok(r) {
			return r
		}
		return -1
	}, s)
}

func isLoginRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.', r == '-', r == '@':
		return true
	}
	return false
}

func isNameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case unicode.Is(unicode.Cyrillic, r) && unicode.IsLetter(r):
		return true
	case r == ' ', r == '.', r == '-':
		return true
	}
	return false
}
