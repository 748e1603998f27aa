// Package directory talks to the account directory: a Gateway port with LDAP
// and in-memory adapters, and an Accounts service built on top of it.
package directory

import (
	"context"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Gateway is the set of directory operations the service relies on. Failures
// returned by a directory server are *ResultError values.
type Gateway interface {
	Bind(ctx context.Context) error
	Search(ctx context.Context, baseDN string, filter Filter, attrs []string) ([]Entry, error)
	Add(ctx context.Context, dn string, attrs map[string][]string) error
	Modify(ctx context.Context, dn string, changes []Change) error
	ModifyDN(ctx context.Context, dn, newRDN, newParent string) error
	SetPassword(ctx context.Context, dn, secret string) error
	Close() error
}

type Entry struct {
	DN         string              `json:"dn"`
	Attributes map[string][]string `json:"attributes"`
}

// Values returns the values of name, matched case-insensitively.
func (e Entry) Values(name string) []string {
	for k, v := range e.Attributes {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}

// Get returns the first value of name or "".
func (e Entry) Get(name string) string {
	if v := e.Values(name); len(v) > 0 {
		return v[0]
	}
	return ""
}

type ModOp int

const (
	ModReplace ModOp = iota
	ModAdd
	ModDelete
)

func (op ModOp) String() string {
	switch op {
	case ModAdd:
		return "add"
	case ModDelete:
		return "delete"
	}
	return "replace"
}

type Change struct {
	Op     ModOp
	Attr   string
	Values []string
}

func Replace(attr string, values ...string) Change {
	return Change{Op: ModReplace, Attr: attr, Values: values}
}

func AddValues(attr string, values ...string) Change {
	return Change{Op: ModAdd, Attr: attr, Values: values}
}

func DeleteValues(attr string, values ...string) Change {
	return Change{Op: ModDelete, Attr: attr, Values: values}
}

// Filter is a small structured search filter. String renders it in LDAP
// syntax with values escaped; Match evaluates it against an entry.
type Filter struct {
	op       string
	attr     string
	value    string
	children []Filter
}

func Eq(attr, value string) Filter { return Filter{op: "eq", attr: attr, value: value} }

func Present(attr string) Filter { return Filter{op: "present", attr: attr} }

func And(fs ...Filter) Filter { return Filter{op: "and", children: fs} }

func Or(fs ...Filter) Filter { return Filter{op: "or", children: fs} }

func (f Filter) String() string {
	switch f.op {
	case "eq":
		return "(" + f.attr + "=" + ldap.EscapeFilter(f.value) + ")"
	case "present":
		return "(" + f.attr + "=*)"
	case "and", "or":
		var b strings.Builder
		b.WriteString("(")
		if f.op == "and" {
			b.WriteString("&")
		} else {
			b.WriteString("|")
		}
		for _, c := range f.children {
			b.WriteString(c.String())
		}
		b.WriteString(")")
		return b.String()
	}
	return "(objectClass=*)"
}

func (f Filter) Match(e Entry) bool {
	switch f.op {
	case "eq":
		if strings.EqualFold(f.attr, "distinguishedName") {
			return strings.EqualFold(e.DN, f.value)
		}
		for _, v := range e.Values(f.attr) {
			if strings.EqualFold(v, f.value) {
				return true
			}
		}
		return false
	case "present":
		return len(e.Values(f.attr)) > 0
	case "and":
		for _, c := range f.children {
			if !c.Match(e) {
				return false
			}
		}
		return true
	case "or":
		for _, c := range f.children {
			if c.Match(e) {
				return true
			}
		}
		return false
	}
	return true
}

// SplitDN returns the first RDN of dn and the remaining parent DN.
func SplitDN(dn string) (rdn, parent string) {
	escaped := false
	for i := 0; i < len(dn); i++ {
		switch {
		case escaped:
			escaped = false
		case dn[i] == '\\':
			escaped = true
		case dn[i] == ',':
			return dn[:i], dn[i+1:]
		}
	}
	return dn, ""
}
