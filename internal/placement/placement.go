// Package placement decides where in the directory tree an employee account lives.
package placement

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"staffline/internal/fault"
)

// MaxDNLength is the ceiling for a computed distinguished name, in characters.
const MaxDNLength = 200

// rdnReserve is the room a per-project OU must leave for "CN=" plus a login-sized value.
const rdnReserve = 24

// Placement is a resolved container and the rule that produced it.
type Placement struct {
	Rule string `json:"rule"`
	OU   string `json:"ou"`
}

// Rule is one entry of an ordered placement policy.
type Rule struct {
	Name  string
	Match func(site, department string) bool
	OU    func(site, department string) string
}

// Policy evaluates rules in order; the first match wins.
type Policy struct {
	Rules []Rule
}

// Resolve maps a work site and department to an OU. It fails closed with
// UnresolvedPlacement when no rule applies.
func (p Policy) Resolve(site, department string) (Placement, error) {
	site = strings.TrimSpace(site)
	department = strings.TrimSpace(department)
	for _, r := range p.Rules {
		if r.Match(site, department) {
			return Placement{Rule: r.Name, OU: r.OU(site, department)}, nil
		}
	}
	return Placement{}, fault.Newf(fault.UnresolvedPlacement, "no placement rule for site %q department %q", site, department)
}

type deptEntry struct {
	keyword    string
	ou         string
	department string
}

// headquarters is ordered: several keywords can match the same department name.
var headquarters = []deptEntry{
	{"информац", "Отдел информационных технологий", "Департамент обеспечения"},
	{"кадро", "Отдел кадров", "Департамент обеспечения"},
	{"персона", "Отдел персонала", "Департамент обеспечения"},
	{"управленческ", "Отдел управленческого учета", "Департамент обеспечения"},
	{"проектир", "Отдел проектирования", "Департамент развития"},
	{"ендерны", "Тендерный отдел", "Департамент развития"},
	{"закупок", "Отдел закупок", "Коммерческий департамент"},
	{"логистик", "Отдел логистики и складского учета", "Коммерческий департамент"},
	{"снабже", "Отдел снабжения", "Коммерческий департамент"},
	{"труд", "Отдел охраны труда", "Технический департамент"},
	{"пто", "Отдел ПТО", "Технический департамент"},
	{"метный", "Сметный отдел", "Технический департамент"},
	{"ланово", "Планово экономический отдел", "Финансовый департамент"},
	{"ухгалтери", "Бухгалтерия", "Финансовый департамент"},
	{"азначе", "Казначейство", "Финансовый департамент"},
	{"ридически", "Юридический отдел", "Юридический департамент"},
	{"дминистративны", "Административный отдел", "Департамент обеспечения"},
}

// constructionKeywords are matched case-sensitively; "ON" would otherwise hit
// ordinary words.
var constructionKeywords = []string{"емеров", "амчатк", "гнитогор", "инько", "ер К32", "авидо", "ктафар", "ухарев", "алент", "рофлот", "ON"}

// DefaultPolicy returns the company placement rules rooted at base, for
// example "DC=central,DC=st-ing,DC=com".
func DefaultPolicy(base string) Policy {
	company := "OU=СтройТехноИнженеринг," + base
	projects := "OU=Отдел управления проектами,OU=Технический департамент," + company
	sites := "OU=Строительные объекты," + projects

	var rules []Rule
	rules = append(rules, Rule{
		Name:  "aux-office:прудный",
		Match: func(site, _ string) bool { return containsFold(site, "прудный") },
		OU:    fixed("OU=Доп. офис Трёхпрудный," + projects),
	})
	rules = append(rules, Rule{
		Name: "site-department:лобня/логистик",
		Match: func(site, dept string) bool {
			return containsFold(site, "лобня") && containsFold(dept, "логистик")
		},
		OU: fixed("OU=Отдел логистики и складского учета,OU=Коммерческий департамент,OU=DtTermo," + base),
	})
	for _, e := range headquarters {
		e := e
		rules = append(rules, Rule{
			Name: "headquarters:" + e.keyword,
			Match: func(site, dept string) bool {
				return containsFold(site, "медовый") && containsFold(dept, e.keyword)
			},
			OU: fixed(fmt.Sprintf("OU=%s,OU=%s,%s", e.ou, e.department, company)),
		})
	}
	rules = append(rules, Rule{
		Name: "construction-site",
		Match: func(site, _ string) bool {
			for _, kw := range constructionKeywords {
				if strings.Contains(site, kw) {
					return true
				}
			}
			return false
		},
		OU: func(site, _ string) string {
			ou := "OU=" + EscapeRDNValue(site) + "," + sites
			if utf8.RuneCountInString(ou)+rdnReserve > MaxDNLength {
				return sites
			}
			return ou
		},
	})
	return Policy{Rules: rules}
}

func fixed(ou string) func(string, string) string {
	return func(string, string) string { return ou }
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
