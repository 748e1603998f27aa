// Package naming derives directory login and principal names from personal names.
package naming

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var cyrillic = map[rune]string{
	'а': "a", 'б': "b", 'в': "v", 'г': "g", 'д': "d", 'е': "e", 'ё': "e",
	'ж': "zh", 'з': "z", 'и': "i", 'й': "i", 'к': "k", 'л': "l", 'м': "m",
	'н': "n", 'о': "o", 'п': "p", 'р': "r", 'с': "s", 'т': "t", 'у': "u",
	'ф': "f", 'х': "h", 'ц': "ts", 'ч': "ch", 'ш': "sh", 'щ': "sch",
	'ъ': "", 'ы': "y", 'ь': "", 'э': "e", 'ю': "yu", 'я': "ya",
	'і': "i", 'ї': "yi", 'є': "ye", 'ґ': "g",
}

// Transliterate maps s to a lowercase ASCII token. Every input rune maps to
// some output, possibly empty: Cyrillic letters follow the table above,
// accented Latin letters lose their marks, spaces and underscores become
// hyphens, and anything else is dropped.
func Transliterate(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if out, ok := cyrillic[r]; ok {
			b.WriteString(out)
			continue
		}
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		case r == '.' || r == '-':
			b.WriteRune(r)
		case r == '_' || unicode.IsSpace(r):
			b.WriteRune('-')
		default:
			b.WriteString(stripMarks(r))
		}
	}
	return b.String()
}

// stripMarks keeps the ASCII base of a decomposable letter such as é or ñ.
func stripMarks(r rune) string {
	var b strings.Builder
	for _, d := range norm.NFD.String(string(r)) {
		if unicode.Is(unicode.Mn, d) {
			continue
		}
		if d < unicode.MaxASCII && (unicode.IsLetter(d) || unicode.IsDigit(d)) {
			b.WriteRune(unicode.ToLower(d))
		}
	}
	return b.String()
}

// LoginName returns "<first>.<second>" transliterated. Surrounding dots and
// hyphens of each part are trimmed so the result never starts or ends with one.
func LoginName(firstName, secondName string) string {
	first := strings.Trim(Transliterate(firstName), ".-")
	second := strings.Trim(Transliterate(secondName), ".-")
	switch {
	case first == "":
		return second
	case second == "":
		return first
	}
	return first + "." + second
}

// DisplayName joins the non-empty trimmed parts with single spaces.
func DisplayName(parts ...string) string {
	var kept []string
	for _, p := range parts {
		p = strings.Join(strings.Fields(p), " ")
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}
