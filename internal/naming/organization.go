package naming

import "strings"

// Organization describes a legal entity an employee can belong to. Keywords are
// matched as substrings of the upper-cased company name.
type Organization struct {
	Name       string   `yaml:"name" json:"name"`
	Keywords   []string `yaml:"keywords" json:"keywords"`
	MailDomain string   `yaml:"mail_domain" json:"mail_domain"`
	Group      string   `yaml:"group" json:"group"`
}

func (o Organization) matches(company string) bool {
	upper := strings.ToUpper(company)
	for _, kw := range o.Keywords {
		if kw != "" && strings.Contains(upper, strings.ToUpper(kw)) {
			return true
		}
	}
	return false
}

// Organizations is evaluated in order; the first entry is the primary organization.
type Organizations []Organization

// Match returns the first organization whose keywords occur in company.
func (os Organizations) Match(company string) (Organization, bool) {
	for _, o := range os {
		if o.matches(company) {
			return o, true
		}
	}
	return Organization{}, false
}

// MailDomain picks the domain for company, defaulting to the primary organization.
func (os Organizations) MailDomain(company string) string {
	if o, ok := os.Match(company); ok && o.MailDomain != "" {
		return o.MailDomain
	}
	if len(os) > 0 {
		return os[0].MailDomain
	}
	return ""
}

// PrincipalName returns login@domain for the employee's company.
func (os Organizations) PrincipalName(login, company string) string {
	domain := os.MailDomain(company)
	if domain == "" {
		return login
	}
	return login + "@" + domain
}
