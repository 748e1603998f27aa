package directory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	"staffline/internal/fault"
	"staffline/internal/placement"
)

// userAccountControl values.
const (
	UACNormalAccount         = "512"
	UACNormalAccountDisabled = "514"
)

// Global security group.
const groupTypeGlobalSecurity = "-2147483646"

// immutable attributes are never rewritten on an existing account.
var immutable = map[string]bool{
	"samaccountname":    true,
	"userprincipalname": true,
	"objectclass":       true,
	"cn":                true,
	"name":              true,
	"distinguishedname": true,
}

var accountAttrs = []string{"sAMAccountName", "userPrincipalName", "displayName", "mail", "pager", "memberOf", "userAccountControl", "manager", "telephoneNumber"}

// Accounts implements account-level operations on top of a Gateway.
type Accounts struct {
	Gateway Gateway
	BaseDN  string
	Logger  *slog.Logger
}

func (a Accounts) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func (a Accounts) findOne(ctx context.Context, filter Filter) (Entry, bool, error) {
	entries, err := a.Gateway.Search(ctx, a.BaseDN, filter, accountAttrs)
	if err != nil {
		return Entry{}, false, Classify(err)
	}
	if len(entries) == 0 {
		return Entry{}, false, nil
	}
	if len(entries) > 1 {
		return Entry{}, false, fault.Rejected(fault.ReasonDuplicate, nil, fmt.Sprintf("filter %s matches %d entries", filter, len(entries)))
	}
	return entries[0], true, nil
}

// FindByLogin looks an account up by sAMAccountName.
func (a Accounts) FindByLogin(ctx context.Context, login string) (Entry, bool, error) {
	return a.findOne(ctx, And(Eq("objectClass", "user"), Eq("sAMAccountName", login)))
}

// FindByExternalID looks an account up by the pager attribute.
func (a Accounts) FindByExternalID(ctx context.Context, externalID string) (Entry, bool, error) {
	return a.findOne(ctx, And(Eq("objectClass", "user"), Eq("pager", externalID)))
}

// UpsertResult tells whether the account was created and where it lives.
type UpsertResult struct {
	DN      string `json:"dn"`
	Created bool   `json:"created"`
}

// Upsert creates the account disabled at dn, or updates the mutable
// attributes of the account with the same login when that account already
// carries this employee's external id. Any other account with the login,
// including one without an external id, is a duplicate.
func (a Accounts) Upsert(ctx context.Context, dn string, attrs map[string][]string) (UpsertResult, error) {
	login := first(attrs, "sAMAccountName")
	externalID := first(attrs, "pager")
	existing, found, err := a.FindByLogin(ctx, login)
	if err != nil {
		return UpsertResult{}, err
	}
	if !found {
		create := make(map[string][]string, len(attrs)+2)
		for k, v := range attrs {
			create[k] = v
		}
		create["objectClass"] = []string{"top", "person", "organizationalPerson", "user"}
		create["userAccountControl"] = []string{UACNormalAccountDisabled}
		if err := a.Gateway.Add(ctx, dn, create); err != nil {
			return UpsertResult{}, Classify(err)
		}
		a.logger().Info("directory account created", "dn", dn, "login", login)
		return UpsertResult{DN: dn, Created: true}, nil
	}
	if owner := existing.Get("pager"); externalID == "" || owner != externalID {
		if owner == "" {
			owner = "без табельного номера"
		}
		return UpsertResult{}, fault.Rejected(fault.ReasonDuplicate, nil,
			fmt.Sprintf("логин %s уже занят учетной записью %s (%s)", login, existing.DN, owner))
	}
	var changes []Change
	for _, name := range sortedKeys(attrs) {
		if immutable[strings.ToLower(name)] {
			continue
		}
		changes = append(changes, Replace(name, attrs[name]...))
	}
	if len(changes) > 0 {
		if err := a.Gateway.Modify(ctx, existing.DN, changes); err != nil {
			return UpsertResult{}, Classify(err)
		}
	}
	a.logger().Info("directory account updated", "dn", existing.DN, "login", login, "attributes", len(changes))
	return UpsertResult{DN: existing.DN}, nil
}

// EnableWithPassword sets the initial password, enables the account and
// forces a password change at next logon.
func (a Accounts) EnableWithPassword(ctx context.Context, dn, password string) error {
	if err := a.Gateway.SetPassword(ctx, dn, password); err != nil {
		return Classify(err)
	}
	return Classify(a.Gateway.Modify(ctx, dn, []Change{
		Replace("userAccountControl", UACNormalAccount),
		Replace("pwdLastSet", "0"),
	}))
}

// ResetPassword sets a new password and forces a change at next logon.
func (a Accounts) ResetPassword(ctx context.Context, dn, password string) error {
	if err := a.Gateway.SetPassword(ctx, dn, password); err != nil {
		return Classify(err)
	}
	return Classify(a.Gateway.Modify(ctx, dn, []Change{Replace("pwdLastSet", "0")}))
}

// FindGroup looks a group up by its account name.
func (a Accounts) FindGroup(ctx context.Context, name string) (Entry, bool, error) {
	entries, err := a.Gateway.Search(ctx, a.BaseDN, And(Eq("objectClass", "group"), Or(Eq("sAMAccountName", name), Eq("cn", name))), []string{"cn", "member"})
	if err != nil {
		return Entry{}, false, Classify(err)
	}
	if len(entries) == 0 {
		return Entry{}, false, nil
	}
	return entries[0], true, nil
}

// AddToGroup adds memberDN to the named group. Existing membership is not an error.
func (a Accounts) AddToGroup(ctx context.Context, group, memberDN string) error {
	g, ok, err := a.FindGroup(ctx, group)
	if err != nil {
		return err
	}
	if !ok {
		return fault.Rejected(fault.ReasonMissingContainer, nil, fmt.Sprintf("группа %s не найдена", group))
	}
	err = a.Gateway.Modify(ctx, g.DN, []Change{AddValues("member", memberDN)})
	if IsCode(err, CodeAttributeOrValueExists) || IsCode(err, CodeEntryAlreadyExists) {
		return nil
	}
	return Classify(err)
}

// AssignManager points dn's manager attribute at the account carrying
// managerExternalID.
func (a Accounts) AssignManager(ctx context.Context, dn, managerExternalID string) (string, error) {
	mgr, ok, err := a.FindByExternalID(ctx, managerExternalID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fault.Newf(fault.NotFound, "руководитель с табельным номером %s не найден в каталоге", managerExternalID)
	}
	if err := a.Gateway.Modify(ctx, dn, []Change{Replace("manager", mgr.DN)}); err != nil {
		return "", Classify(err)
	}
	return mgr.DN, nil
}

// RemoveFromAllGroups removes e from every group it belongs to. Each group is
// attempted; the failures are returned together.
func (a Accounts) RemoveFromAllGroups(ctx context.Context, e Entry) ([]string, error) {
	var (
		removed []string
		result  *multierror.Error
	)
	for _, g := range e.Values("memberOf") {
		if err := a.Gateway.Modify(ctx, g, []Change{DeleteValues("member", e.DN)}); err != nil {
			a.logger().Warn("group removal failed", "group", g, "member", e.DN, "err", err)
			result = multierror.Append(result, Classify(err))
			continue
		}
		removed = append(removed, g)
	}
	return removed, result.ErrorOrNil()
}

// Disable marks the account disabled.
func (a Accounts) Disable(ctx context.Context, dn string) error {
	return Classify(a.Gateway.Modify(ctx, dn, []Change{Replace("userAccountControl", UACNormalAccountDisabled)}))
}

// Move relocates dn under parent keeping its RDN and returns the new DN.
func (a Accounts) Move(ctx context.Context, dn, parent string) (string, error) {
	rdn, current := SplitDN(dn)
	if strings.EqualFold(current, parent) {
		return dn, nil
	}
	if err := a.Gateway.ModifyDN(ctx, dn, rdn, parent); err != nil {
		return "", Classify(err)
	}
	return rdn + "," + parent, nil
}

// SetAttribute replaces a single attribute value.
func (a Accounts) SetAttribute(ctx context.Context, dn, attr, value string) error {
	return Classify(a.Gateway.Modify(ctx, dn, []Change{Replace(attr, value)}))
}

// ListOUs returns the DNs of all organizational units below the base, sorted.
func (a Accounts) ListOUs(ctx context.Context) ([]string, error) {
	entries, err := a.Gateway.Search(ctx, a.BaseDN, Eq("objectClass", "organizationalUnit"), []string{"ou"})
	if err != nil {
		return nil, Classify(err)
	}
	dns := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.EqualFold(e.DN, a.BaseDN) {
			continue
		}
		dns = append(dns, e.DN)
	}
	sort.Strings(dns)
	return dns, nil
}

// ExportAttrs are the attributes ActiveUsers reads.
var ExportAttrs = []string{
	"sAMAccountName", "displayName", "givenName", "mail", "pager", "company", "department",
	"description", "physicalDeliveryOfficeName", "telephoneNumber", "userAccountControl",
	"whenCreated", "whenChanged", "lastLogon", "pwdLastSet",
}

// ActiveUsers returns the enabled user accounts below the base.
func (a Accounts) ActiveUsers(ctx context.Context) ([]Entry, error) {
	entries, err := a.Gateway.Search(ctx, a.BaseDN, Eq("objectClass", "user"), ExportAttrs)
	if err != nil {
		return nil, Classify(err)
	}
	active := entries[:0]
	for _, e := range entries {
		if !Disabled(e) {
			active = append(active, e)
		}
	}
	return active, nil
}

// Disabled reports whether the ACCOUNTDISABLE bit of userAccountControl is set.
func Disabled(e Entry) bool {
	uac, err := strconv.ParseInt(e.Get("userAccountControl"), 10, 64)
	return err == nil && uac&0x2 != 0
}

// EnsureOU creates OU=name under parent unless it exists.
func (a Accounts) EnsureOU(ctx context.Context, parent, name string) (string, bool, error) {
	dn := "OU=" + placement.EscapeRDNValue(name) + "," + parent
	err := a.Gateway.Add(ctx, dn, map[string][]string{
		"objectClass": {"top", "organizationalUnit"},
		"ou":          {name},
	})
	if IsCode(err, CodeEntryAlreadyExists) {
		return dn, false, nil
	}
	if err != nil {
		return "", false, Classify(err)
	}
	return dn, true, nil
}

// EnsureGroup creates a global security group under parent unless it exists.
func (a Accounts) EnsureGroup(ctx context.Context, parent, name, description string) (string, bool, error) {
	dn := "CN=" + placement.EscapeRDNValue(name) + "," + parent
	attrs := map[string][]string{
		"objectClass":    {"top", "group"},
		"cn":             {name},
		"sAMAccountName": {name},
		"groupType":      {groupTypeGlobalSecurity},
	}
	if description != "" {
		attrs["description"] = []string{description}
	}
	err := a.Gateway.Add(ctx, dn, attrs)
	if IsCode(err, CodeEntryAlreadyExists) {
		return dn, false, nil
	}
	if err != nil {
		return "", false, Classify(err)
	}
	return dn, true, nil
}

func first(attrs map[string][]string, name string) string {
	for k, v := range attrs {
		if strings.EqualFold(k, name) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

func sortedKeys(attrs map[string][]string) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
