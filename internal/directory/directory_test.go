package directory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"staffline/internal/fault"
)

const (
	testBase     = "DC=example,DC=com"
	testUsers    = "OU=Users," + testBase
	testGroups   = "OU=Groups," + testBase
	testDeparted = "OU=Departed," + testBase
)

func newAccounts(t *testing.T) (Accounts, *Memory) {
	t.Helper()
	mem := NewMemory(testBase, testUsers, testGroups, testDeparted)
	ctx := context.Background()
	for _, g := range []string{"Staff", "IT"} {
		require.NoError(t, mem.Add(ctx, "CN="+g+","+testGroups, map[string][]string{
			"objectClass": {"top", "group"}, "cn": {g}, "sAMAccountName": {g},
		}))
	}
	return Accounts{Gateway: mem, BaseDN: testBase, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}, mem
}

func userAttrs(login, externalID string) map[string][]string {
	return map[string][]string{
		"sAMAccountName":    {login},
		"userPrincipalName": {login + "@example.com"},
		"givenName":         {"Иван"},
		"sn":                {"Петров"},
		"displayName":       {"Иван Петров"},
		"pager":             {externalID},
		"title":             {"Инженер"},
	}
}

func TestUpsertCreatesDisabledThenUpdates(t *testing.T) {
	acc, mem := newAccounts(t)
	ctx := context.Background()
	dn := "CN=Иван Петров," + testUsers

	res, err := acc.Upsert(ctx, dn, userAttrs("ivan.petrov", "100"))
	require.NoError(t, err)
	assert.True(t, res.Created)
	e, ok := mem.Lookup(dn)
	require.True(t, ok)
	assert.Equal(t, UACNormalAccountDisabled, e.Get("userAccountControl"))
	assert.Equal(t, []string{"top", "person", "organizationalPerson", "user"}, e.Values("objectClass"))

	attrs := userAttrs("ivan.petrov", "100")
	attrs["title"] = []string{"Главный инженер"}
	attrs["userPrincipalName"] = []string{"changed@example.com"}
	res, err = acc.Upsert(ctx, "CN=Другое Имя,"+testUsers, attrs)
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, dn, res.DN)
	e, _ = mem.Lookup(dn)
	assert.Equal(t, "Главный инженер", e.Get("title"))
	assert.Equal(t, "ivan.petrov@example.com", e.Get("userPrincipalName"))
	assert.Equal(t, UACNormalAccountDisabled, e.Get("userAccountControl"))
}

func TestUpsertRejectsLoginOwnedByAnotherEmployee(t *testing.T) {
	acc, _ := newAccounts(t)
	ctx := context.Background()
	_, err := acc.Upsert(ctx, "CN=Иван Петров,"+testUsers, userAttrs("ivan.petrov", "100"))
	require.NoError(t, err)

	_, err = acc.Upsert(ctx, "CN=Иван Петров 2,"+testUsers, userAttrs("ivan.petrov", "200"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrDuplicate))
}

func TestUpsertRejectsLoginOfAccountWithoutExternalID(t *testing.T) {
	acc, mem := newAccounts(t)
	ctx := context.Background()
	manual := "CN=Иван Петров Старый," + testUsers
	require.NoError(t, mem.Add(ctx, manual, map[string][]string{
		"objectClass":        {"top", "person", "organizationalPerson", "user"},
		"sAMAccountName":     {"ivan.petrov"},
		"userAccountControl": {UACNormalAccount},
		"title":              {"Прораб"},
	}))

	_, err := acc.Upsert(ctx, "CN=Иван Петров,"+testUsers, userAttrs("ivan.petrov", "00042"))
	require.Error(t, err)
	assert.Equal(t, fault.DirectoryRejected, fault.CategoryOf(err))
	assert.Equal(t, fault.ReasonDuplicate, fault.ReasonOf(err))

	e, ok := mem.Lookup(manual)
	require.True(t, ok)
	assert.Empty(t, e.Get("pager"), "foreign account must not be adopted")
	assert.Equal(t, "Прораб", e.Get("title"))
}

func TestUpsertMissingContainer(t *testing.T) {
	acc, _ := newAccounts(t)
	_, err := acc.Upsert(context.Background(), "CN=Иван Петров,OU=Nowhere,"+testBase, userAttrs("ivan.petrov", "100"))
	require.Error(t, err)
	assert.Equal(t, fault.DirectoryRejected, fault.CategoryOf(err))
	assert.Equal(t, fault.ReasonMissingContainer, fault.ReasonOf(err))
}

func TestEnableGroupsManagerAndDisable(t *testing.T) {
	acc, mem := newAccounts(t)
	ctx := context.Background()
	boss := "CN=Босс," + testUsers
	_, err := acc.Upsert(ctx, boss, userAttrs("boss", "1"))
	require.NoError(t, err)
	dn := "CN=Иван Петров," + testUsers
	_, err = acc.Upsert(ctx, dn, userAttrs("ivan.petrov", "100"))
	require.NoError(t, err)

	require.NoError(t, acc.EnableWithPassword(ctx, dn, "Secret-1"))
	assert.Equal(t, "Secret-1", mem.Password(dn))
	e, _ := mem.Lookup(dn)
	assert.Equal(t, UACNormalAccount, e.Get("userAccountControl"))
	assert.Equal(t, "0", e.Get("pwdLastSet"))

	require.NoError(t, acc.AddToGroup(ctx, "Staff", dn))
	require.NoError(t, acc.AddToGroup(ctx, "Staff", dn))
	require.NoError(t, acc.AddToGroup(ctx, "IT", dn))
	err = acc.AddToGroup(ctx, "Missing", dn)
	assert.Equal(t, fault.DirectoryRejected, fault.CategoryOf(err))

	mgr, err := acc.AssignManager(ctx, dn, "1")
	require.NoError(t, err)
	assert.Equal(t, boss, mgr)
	_, err = acc.AssignManager(ctx, dn, "999")
	assert.Equal(t, fault.NotFound, fault.CategoryOf(err))

	entry, ok, err := acc.FindByExternalID(ctx, "100")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, entry.Values("memberOf"), 2)

	removed, err := acc.RemoveFromAllGroups(ctx, entry)
	require.NoError(t, err)
	assert.Len(t, removed, 2)
	require.NoError(t, acc.Disable(ctx, dn))

	moved, err := acc.Move(ctx, dn, testDeparted)
	require.NoError(t, err)
	assert.Equal(t, "CN=Иван Петров,"+testDeparted, moved)
	e, ok = mem.Lookup(moved)
	require.True(t, ok)
	assert.Equal(t, UACNormalAccountDisabled, e.Get("userAccountControl"))
	assert.Empty(t, e.Values("memberOf"))
}

func TestRemoveFromAllGroupsAggregatesFailures(t *testing.T) {
	acc, mem := newAccounts(t)
	ctx := context.Background()
	dn := "CN=Иван Петров," + testUsers
	_, err := acc.Upsert(ctx, dn, userAttrs("ivan.petrov", "100"))
	require.NoError(t, err)
	require.NoError(t, acc.AddToGroup(ctx, "Staff", dn))
	require.NoError(t, acc.AddToGroup(ctx, "IT", dn))

	mem.Hook = func(_ context.Context, op, target string) error {
		if op == "modify" && target == "CN=IT,"+testGroups {
			return newResultError(op, target, CodeInsufficientAccessRights, "access denied")
		}
		return nil
	}
	entry, _, err := acc.FindByExternalID(ctx, "100")
	require.NoError(t, err)
	removed, err := acc.RemoveFromAllGroups(ctx, entry)
	require.Error(t, err)
	assert.Equal(t, []string{"CN=Staff," + testGroups}, removed)
	assert.Equal(t, fault.ReasonInsufficientRights, fault.ReasonOf(err))
}

func TestMemoryHonorsContext(t *testing.T) {
	mem := NewMemory(testBase)
	mem.Hook = func(ctx context.Context, _, _ string) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := mem.Search(ctx, testBase, Present("cn"), nil)
	require.Error(t, err)
	assert.Equal(t, fault.DependencyTimeout, fault.CategoryOf(Classify(err)))
}

func TestEnsureOUAndGroupAreIdempotent(t *testing.T) {
	acc, _ := newAccounts(t)
	ctx := context.Background()
	dn, created, err := acc.EnsureOU(ctx, testGroups, "права ЖК, корпус 1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, `OU=права ЖК\, корпус 1,`+testGroups, dn)
	_, created, err = acc.EnsureOU(ctx, testGroups, "права ЖК, корпус 1")
	require.NoError(t, err)
	assert.False(t, created)

	gdn, created, err := acc.EnsureGroup(ctx, dn, "STORAGE-ЖК-read", "")
	require.NoError(t, err)
	assert.True(t, created)
	_, created, err = acc.EnsureGroup(ctx, dn, "STORAGE-ЖК-read", "")
	require.NoError(t, err)
	assert.False(t, created)
	g, ok, err := acc.FindGroup(ctx, "STORAGE-ЖК-read")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, gdn, g.DN)
}

func TestFilterString(t *testing.T) {
	f := And(Eq("objectClass", "user"), Or(Eq("pager", "1*2"), Present("mail")))
	assert.Equal(t, `(&(objectClass=user)(|(pager=1\2a2)(mail=*)))`, f.String())
}

func TestSplitDN(t *testing.T) {
	rdn, parent := SplitDN(`CN=Петров\, Иван,OU=Users,DC=example,DC=com`)
	assert.Equal(t, `CN=Петров\, Иван`, rdn)
	assert.Equal(t, "OU=Users,DC=example,DC=com", parent)
	rdn, parent = SplitDN("DC=com")
	assert.Equal(t, "DC=com", rdn)
	assert.Equal(t, "", parent)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		code   uint16
		reason fault.Reason
	}{
		{CodeEntryAlreadyExists, fault.ReasonDuplicate},
		{CodeNoSuchObject, fault.ReasonMissingContainer},
		{CodeInsufficientAccessRights, fault.ReasonInsufficientRights},
		{CodeUnwillingToPerform, fault.ReasonOther},
	}
	for _, tc := range cases {
		err := Classify(newResultError("add", "CN=x", tc.code, ""))
		assert.Equal(t, fault.DirectoryRejected, fault.CategoryOf(err))
		assert.Equal(t, tc.reason, fault.ReasonOf(err))
	}
	assert.Equal(t, fault.DependencyFailed, fault.CategoryOf(Classify(newResultError("dial", "ldaps://dc", CodeNetwork, "refused"))))
	assert.Equal(t, fault.DependencyFailed, fault.CategoryOf(Classify(errors.New("boom"))))
	assert.Nil(t, Classify(nil))
}

func TestEncodePassword(t *testing.T) {
	enc, err := EncodePassword("Ab1")
	require.NoError(t, err)
	assert.Equal(t, []byte{'"', 0, 'A', 0, 'b', 0, '1', 0, '"', 0}, []byte(enc))
}
