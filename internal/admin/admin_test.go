package admin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"staffline/internal/directory"
	"staffline/internal/fault"
)

const (
	base  = "DC=central,DC=st-ing,DC=com"
	users = "OU=Пользователи," + base
)

func newService(t *testing.T) (Service, *directory.Memory) {
	t.Helper()
	mem := directory.NewMemory(base, users)
	ctx := context.Background()
	for _, u := range []struct{ cn, login, pager string }{
		{"Иван Петров", "ivan.petrov", "00042"},
		{"Анна Смирнова", "anna.smirnova", "00007"},
	} {
		require.NoError(t, mem.Add(ctx, "CN="+u.cn+","+users, map[string][]string{
			"objectClass":    {"top", "person", "organizationalPerson", "user"},
			"sAMAccountName": {u.login},
			"pager":          {u.pager},
		}))
	}
	return Service{Accounts: directory.Accounts{Gateway: mem, BaseDN: base}, Timeout: time.Second}, mem
}

func TestResetPassword(t *testing.T) {
	svc, mem := newService(t)
	dn, err := svc.ResetPassword(context.Background(), "ivan.petrov", "New-Pass-2")
	require.NoError(t, err)
	assert.Equal(t, "New-Pass-2", mem.Password(dn))
	e, _ := mem.Lookup(dn)
	assert.Equal(t, "0", e.Get("pwdLastSet"))

	_, err = svc.ResetPassword(context.Background(), "nobody", "x")
	assert.Equal(t, fault.NotFound, fault.CategoryOf(err))
	_, err = svc.ResetPassword(context.Background(), "ivan.petrov", "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestChangePhoneAndManager(t *testing.T) {
	svc, mem := newService(t)
	ctx := context.Background()
	dn, err := svc.ChangePhone(ctx, "00042", "+7 900 000-00-00")
	require.NoError(t, err)
	e, _ := mem.Lookup(dn)
	assert.Equal(t, "+7 900 000-00-00", e.Get("telephoneNumber"))

	mgr, err := svc.AssignManager(ctx, "00042", "00007")
	require.NoError(t, err)
	assert.Equal(t, "CN=Анна Смирнова,"+users, mgr)
	e, _ = mem.Lookup(dn)
	assert.Equal(t, mgr, e.Get("manager"))

	_, err = svc.AssignManager(ctx, "00042", "99999")
	assert.Equal(t, fault.NotFound, fault.CategoryOf(err))
}

func TestMarkTraining(t *testing.T) {
	svc, mem := newService(t)
	attr, err := svc.MarkTraining(context.Background(), "00042", "FaceKit")
	require.NoError(t, err)
	assert.Equal(t, "extensionAttribute1", attr)
	attr, err = svc.MarkTraining(context.Background(), "00042", "sysadmin")
	require.NoError(t, err)
	assert.Equal(t, "extensionAttribute2", attr)
	e, _ := mem.Lookup("CN=Иван Петров," + users)
	assert.Equal(t, "true", e.Get("extensionAttribute1"))
	assert.Equal(t, "true", e.Get("extensionAttribute2"))

	_, err = svc.MarkTraining(context.Background(), "00042", "excel")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestOUsExcludeBase(t *testing.T) {
	svc, _ := newService(t)
	ous, err := svc.OUs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{users}, ous)
}

func TestExportActiveSkipsDisabledAndServiceAccounts(t *testing.T) {
	svc, mem := newService(t)
	ctx := context.Background()
	for dn, attrs := range map[string]map[string][]string{
		"CN=Иван Петров," + users:   {"displayName": {"Иван Петров"}, "userAccountControl": {directory.UACNormalAccount}},
		"CN=Анна Смирнова," + users: {"displayName": {"Анна Смирнова"}, "userAccountControl": {directory.UACNormalAccountDisabled}},
	} {
		var changes []directory.Change
		for k, v := range attrs {
			changes = append(changes, directory.Replace(k, v...))
		}
		require.NoError(t, mem.Modify(ctx, dn, changes))
	}
	require.NoError(t, mem.Add(ctx, "CN=HealthMailbox01,"+users, map[string][]string{
		"objectClass":        {"top", "person", "organizationalPerson", "user"},
		"sAMAccountName":     {"HealthMailbox01"},
		"displayName":        {"HealthMailbox01"},
		"userAccountControl": {directory.UACNormalAccount},
	}))

	out, err := svc.ExportActive(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "ivan.petrov", out[0].Login)
	assert.Equal(t, "00042", out[0].ExternalID)
	assert.Equal(t, "Иван Петров", out[0].Attributes["displayName"])
}
