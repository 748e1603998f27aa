package provision

import (
	"log/slog"
	"strings"

	"staffline/internal/attrs"
	"staffline/internal/domain"
	"staffline/internal/fault"
	"staffline/internal/naming"
	"staffline/internal/placement"
)

// Naming holds what is needed to derive a directory identity from an employee.
type Naming struct {
	Policy        placement.Policy
	Organizations naming.Organizations
	TechnicalOU   string
}

// Identity computes the directory identity and the sanitized attribute set for
// e. It is recomputed on every attempt so that record edits are honored.
func (n Naming) Identity(e domain.Employee, logger *slog.Logger) (domain.DirectoryIdentity, map[string][]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	first, second, third := attrs.Name(e.FirstName), attrs.Name(e.SecondName), attrs.Name(e.ThirdName)
	login := naming.LoginName(e.FirstName, e.SecondName)
	id := domain.DirectoryIdentity{
		LoginName:     login,
		PrincipalName: n.Organizations.PrincipalName(login, e.Company),
		DisplayName:   naming.DisplayName(first, second, third),
	}

	if e.IsTechnical {
		id.OrganizationalUnit = n.TechnicalOU
		id.PlacementRule = "technical"
	} else {
		p, err := n.Policy.Resolve(e.WorkSite, e.EffectiveDepartment())
		if err != nil {
			return id, nil, err
		}
		id.OrganizationalUnit = p.OU
		id.PlacementRule = p.Rule
	}
	if strings.TrimSpace(id.OrganizationalUnit) == "" {
		return id, nil, fault.New(fault.UnresolvedPlacement, "container for technical accounts is not configured")
	}

	dn, err := placement.BuildDN(placement.DNRequest{
		FirstName:  first,
		SecondName: second,
		ThirdName:  third,
		LoginName:  login,
		ExternalID: e.ExternalID,
		OU:         id.OrganizationalUnit,
	})
	id.Audit = dn.Audit
	for _, line := range dn.Audit {
		logger.Info("dn candidate", "external_id", e.ExternalID, "ou", id.OrganizationalUnit, "step", line)
	}
	if err != nil {
		return id, nil, err
	}
	id.DistinguishedName = dn.DN
	id.RDNTier = dn.Tier

	if org, ok := n.Organizations.Match(e.Company); ok && org.Group != "" {
		id.Groups = append(id.Groups, org.Group)
	}
	if d := strings.TrimSpace(e.Department); d != "" {
		id.Groups = append(id.Groups, d)
	}

	clean, err := attrs.Sanitize(Attributes(e, id))
	if err != nil {
		return id, clean, err
	}
	return id, clean, nil
}

// Attributes is the raw attribute set for an account, before sanitizing.
func Attributes(e domain.Employee, id domain.DirectoryIdentity) map[string][]string {
	set := func(m map[string][]string, name, value string) {
		if v := strings.TrimSpace(value); v != "" {
			m[name] = []string{v}
		}
	}
	m := map[string][]string{}
	set(m, "sAMAccountName", id.LoginName)
	set(m, "userPrincipalName", id.PrincipalName)
	set(m, "mail", id.PrincipalName)
	set(m, "givenName", e.FirstName)
	set(m, "sn", e.SecondName)
	set(m, "middleName", e.ThirdName)
	set(m, "displayName", id.DisplayName)
	set(m, "pager", e.ExternalID)
	set(m, "company", e.Company)
	set(m, "department", e.Department)
	set(m, "title", e.Role)
	set(m, "description", e.Role)
	set(m, "physicalDeliveryOfficeName", e.WorkSite)
	set(m, "telephoneNumber", e.Phone)
	return m
}
