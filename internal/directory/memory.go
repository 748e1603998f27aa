package directory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/go-ldap/ldap/v3"
)

// Memory is an in-process Gateway used by tests and dry runs. It enforces
// parent containers and unique DNs, keeps group membership in the member
// attribute of groups and reports it back as memberOf on searches.
type Memory struct {
	// Hook, when set, runs before every operation. A non-nil error is returned
	// as the operation's result; it can also block to simulate a slow server.
	Hook func(ctx context.Context, op, dn string) error

	mu        sync.Mutex
	entries   map[string]*Entry
	passwords map[string]string
}

// NewMemory returns a directory that already contains the given containers.
func NewMemory(containers ...string) *Memory {
	m := &Memory{entries: map[string]*Entry{}, passwords: map[string]string{}}
	for _, dn := range containers {
		m.entries[key(dn)] = &Entry{DN: dn, Attributes: map[string][]string{"objectClass": {"top", "organizationalUnit"}}}
	}
	return m
}

func key(dn string) string { return strings.ToLower(strings.TrimSpace(dn)) }

func (m *Memory) hook(ctx context.Context, op, dn string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.Hook != nil {
		if err := m.Hook(ctx, op, dn); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (m *Memory) Bind(ctx context.Context) error { return m.hook(ctx, "bind", "") }

func (m *Memory) Close() error { return nil }

func (m *Memory) Search(ctx context.Context, baseDN string, filter Filter, attrs []string) ([]Entry, error) {
	if err := m.hook(ctx, "search", baseDN); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key(baseDN)]; !ok {
		return nil, newResultError("search", baseDN, CodeNoSuchObject, "no such object")
	}
	suffix := "," + key(baseDN)
	var out []Entry
	for k, e := range m.entries {
		if k != key(baseDN) && !strings.HasSuffix(k, suffix) {
			continue
		}
		view := m.view(e)
		if filter.Match(view) {
			out = append(out, project(view, attrs))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DN < out[j].DN })
	return out, nil
}

// view copies e and adds the computed memberOf attribute.
func (m *Memory) view(e *Entry) Entry {
	cp := Entry{DN: e.DN, Attributes: make(map[string][]string, len(e.Attributes)+1)}
	for k, v := range e.Attributes {
		cp.Attributes[k] = append([]string(nil), v...)
	}
	var groups []string
	for _, g := range m.entries {
		for _, member := range g.Values("member") {
			if strings.EqualFold(member, e.DN) {
				groups = append(groups, g.DN)
			}
		}
	}
	if len(groups) > 0 {
		sort.Strings(groups)
		cp.Attributes["memberOf"] = groups
	}
	return cp
}

func project(e Entry, attrs []string) Entry {
	if len(attrs) == 0 {
		return e
	}
	out := Entry{DN: e.DN, Attributes: map[string][]string{}}
	for _, name := range attrs {
		if v := e.Values(name); len(v) > 0 {
			out.Attributes[name] = v
		}
	}
	return out
}

func (m *Memory) Add(ctx context.Context, dn string, attrs map[string][]string) error {
	if err := m.hook(ctx, "add", dn); err != nil {
		return err
	}
	if _, err := ldap.ParseDN(dn); err != nil {
		return newResultError("add", dn, CodeInvalidDNSyntax, err.Error())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key(dn)]; ok {
		return newResultError("add", dn, CodeEntryAlreadyExists, "entry already exists")
	}
	_, parent := SplitDN(dn)
	if _, ok := m.entries[key(parent)]; !ok {
		return newResultError("add", dn, CodeNoSuchObject, "parent does not exist")
	}
	e := &Entry{DN: dn, Attributes: map[string][]string{}}
	for k, v := range attrs {
		e.Attributes[k] = append([]string(nil), v...)
	}
	m.entries[key(dn)] = e
	return nil
}

func (m *Memory) Modify(ctx context.Context, dn string, changes []Change) error {
	if err := m.hook(ctx, "modify", dn); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key(dn)]
	if !ok {
		return newResultError("modify", dn, CodeNoSuchObject, "no such object")
	}
	for _, c := range changes {
		name := attrName(e, c.Attr)
		current := e.Attributes[name]
		switch c.Op {
		case ModReplace:
			if len(c.Values) == 0 {
				delete(e.Attributes, name)
				continue
			}
			e.Attributes[name] = append([]string(nil), c.Values...)
		case ModAdd:
			for _, v := range c.Values {
				if containsFold(current, v) {
					return newResultError("modify", dn, CodeAttributeOrValueExists, "value already present")
				}
				current = append(current, v)
			}
			e.Attributes[name] = current
		case ModDelete:
			if len(c.Values) == 0 {
				delete(e.Attributes, name)
				continue
			}
			var kept []string
			for _, v := range current {
				if !containsFold(c.Values, v) {
					kept = append(kept, v)
				}
			}
			if len(kept) == len(current) {
				return newResultError("modify", dn, ldapNoSuchAttribute, "value not present")
			}
			e.Attributes[name] = kept
		}
	}
	return nil
}

const ldapNoSuchAttribute uint16 = ldap.LDAPResultNoSuchAttribute

func attrName(e *Entry, name string) string {
	for k := range e.Attributes {
		if strings.EqualFold(k, name) {
			return k
		}
	}
	return name
}

func containsFold(values []string, v string) bool {
	for _, x := range values {
		if strings.EqualFold(x, v) {
			return true
		}
	}
	return false
}

func (m *Memory) ModifyDN(ctx context.Context, dn, newRDN, newParent string) error {
	if err := m.hook(ctx, "modrdn", dn); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key(dn)]
	if !ok {
		return newResultError("modrdn", dn, CodeNoSuchObject, "no such object")
	}
	if newParent == "" {
		_, newParent = SplitDN(dn)
	}
	if _, ok := m.entries[key(newParent)]; !ok {
		return newResultError("modrdn", dn, CodeNoSuchObject, "new parent does not exist")
	}
	newDN := newRDN + "," + newParent
	if _, ok := m.entries[key(newDN)]; ok && key(newDN) != key(dn) {
		return newResultError("modrdn", dn, CodeEntryAlreadyExists, "entry already exists")
	}
	delete(m.entries, key(dn))
	e.DN = newDN
	m.entries[key(newDN)] = e
	for _, g := range m.entries {
		members := g.Attributes["member"]
		for i, member := range members {
			if strings.EqualFold(member, dn) {
				members[i] = newDN
			}
		}
	}
	if pw, ok := m.passwords[key(dn)]; ok {
		delete(m.passwords, key(dn))
		m.passwords[key(newDN)] = pw
	}
	return nil
}

func (m *Memory) SetPassword(ctx context.Context, dn, secret string) error {
	if err := m.hook(ctx, "set-password", dn); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key(dn)]; !ok {
		return newResultError("set-password", dn, CodeNoSuchObject, "no such object")
	}
	if secret == "" {
		return newResultError("set-password", dn, CodeConstraintViolation, "password does not meet policy")
	}
	m.passwords[key(dn)] = secret
	return nil
}

// Lookup returns a copy of the entry at dn, including memberOf.
func (m *Memory) Lookup(dn string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key(dn)]
	if !ok {
		return Entry{}, false
	}
	return m.view(e), true
}

// Password returns the last password set on dn.
func (m *Memory) Password(dn string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.passwords[key(dn)]
}
