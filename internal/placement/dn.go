package placement

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"staffline/internal/fault"
	"staffline/internal/naming"
)

// EscapeRDNValue escapes an attribute value for use inside a DN: backslash
// first, then the special characters, then a leading space or '#', then a
// trailing space.
func EscapeRDNValue(v string) string {
	if v == "" {
		return v
	}
	lead := v[0] == ' ' || v[0] == '#'
	trail := len(v) > 1 && v[len(v)-1] == ' '
	v = strings.ReplaceAll(v, `\`, `\\`)
	for _, c := range []string{",", "+", `"`, "<", ">", ";", "="} {
		v = strings.ReplaceAll(v, c, `\`+c)
	}
	if lead {
		v = `\` + v
	}
	if trail {
		v = v[:len(v)-1] + `\ `
	}
	return v
}

// DNRequest holds the inputs that determine an account's DN.
type DNRequest struct {
	FirstName  string
	SecondName string
	ThirdName  string
	LoginName  string
	ExternalID string
	OU         string
}

// DNResult is the chosen DN. Tier is 1 for the full display name up to 5 for
// the synthetic User<externalID> name. Audit lists every attempt in order.
type DNResult struct {
	DN    string   `json:"dn"`
	CN    string   `json:"cn"`
	Tier  int      `json:"tier"`
	Audit []string `json:"audit"`
}

// BuildDN composes CN=<display name>,<OU>, shortening the common name until
// the DN fits MaxDNLength.
func BuildDN(req DNRequest) (DNResult, error) {
	var res DNResult
	suffix := "," + req.OU
	fits := func(tier int, label, cn string) bool {
		if cn == "" {
			res.Audit = append(res.Audit, fmt.Sprintf("tier %d (%s): empty name, skipped", tier, label))
			return false
		}
		dn := "CN=" + EscapeRDNValue(cn) + suffix
		n := utf8.RuneCountInString(dn)
		if n > MaxDNLength {
			res.Audit = append(res.Audit, fmt.Sprintf("tier %d (%s): %q gives %d chars, over %d", tier, label, cn, n, MaxDNLength))
			return false
		}
		res.Audit = append(res.Audit, fmt.Sprintf("tier %d (%s): %q gives %d chars", tier, label, cn, n))
		res.DN, res.CN, res.Tier = dn, cn, tier
		return true
	}

	if fits(1, "full name", naming.DisplayName(req.FirstName, req.SecondName, req.ThirdName)) {
		return res, nil
	}
	if fits(2, "first and second name", naming.DisplayName(req.FirstName, req.SecondName)) {
		return res, nil
	}
	if cn, ok := truncateToFit(req.FirstName, req.SecondName, suffix); !ok {
		res.Audit = append(res.Audit, "tier 3 (proportional truncation): not possible")
	} else if fits(3, "proportional truncation", cn) {
		return res, nil
	}
	if fits(4, "login name", req.LoginName) {
		return res, nil
	}
	if req.ExternalID != "" && fits(5, "external id", "User"+req.ExternalID) {
		return res, nil
	}
	return res, &fault.Error{
		Category: fault.UnresolvedPlacement,
		Detail:   fmt.Sprintf("container %q leaves no room for an account name within %d characters", req.OU, MaxDNLength),
	}
}

// truncateToFit shortens first and second names in proportion to their
// lengths until the escaped DN fits. Each part keeps at least one character.
func truncateToFit(first, second, suffix string) (string, bool) {
	a := []rune(strings.Join(strings.Fields(first), " "))
	b := []rune(strings.Join(strings.Fields(second), " "))
	if len(a) == 0 || len(b) == 0 {
		return "", false
	}
	total := len(a) + len(b)
	budget := MaxDNLength - utf8.RuneCountInString("CN="+suffix) - 1
	for ; budget >= 2; budget-- {
		na := len(a) * budget / total
		if na < 1 {
			na = 1
		}
		nb := budget - na
		if nb < 1 {
			nb, na = 1, budget-1
		}
		if na > len(a) {
			na = len(a)
		}
		if nb > len(b) {
			nb = len(b)
		}
		cn := naming.DisplayName(string(a[:na]), string(b[:nb]))
		if utf8.RuneCountInString("CN="+EscapeRDNValue(cn)+suffix) <= MaxDNLength {
			return cn, true
		}
	}
	return "", false
}
