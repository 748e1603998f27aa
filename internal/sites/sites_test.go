package sites

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"staffline/internal/directory"
	"staffline/internal/fault"
	"staffline/internal/remote"
)

const (
	base     = "DC=central,DC=st-ing,DC=com"
	accessOU = "OU=права доступа к папкам строительных объектов,OU=Группы прав доступа к папкам," + base
)

// fakeShare answers FolderScript like a file server holding existing paths.
type fakeShare struct {
	existing map[string]bool
	scripts  []string
}

func (f *fakeShare) Run(_ context.Context, script string) (remote.Output, error) {
	f.scripts = append(f.scripts, script)
	var b strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if !strings.HasPrefix(line, "foreach") {
			continue
		}
		list := line[strings.Index(line, "@(")+2 : strings.Index(line, ")) {")]
		for _, q := range strings.Split(list, "', '") {
			p := strings.Trim(q, "'")
			if f.existing[p] {
				fmt.Fprintf(&b, "EXISTS\t%s\r\n", p)
			} else {
				f.existing[p] = true
				fmt.Fprintf(&b, "CREATED\t%s\r\n", p)
			}
		}
	}
	return remote.Output{Stdout: b.String()}, nil
}

func newService(t *testing.T) (Service, *directory.Memory, *fakeShare) {
	t.Helper()
	mem := directory.NewMemory(base, "OU=Группы прав доступа к папкам,"+base, accessOU)
	share := &fakeShare{existing: map[string]bool{}}
	svc := Service{
		Accounts:  directory.Accounts{Gateway: mem, BaseDN: base},
		Channel:   share,
		AccessOU:  accessOU,
		ShareRoot: `\\datastorage\Storage\06_СТИ\Строительные объекты`,
		Folders:   []string{"01 Производство Документация", "14 MTO"},
		Timeout:   time.Second,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return svc, mem, share
}

func TestGroupNames(t *testing.T) {
	svc, _, _ := newService(t)
	assert.Equal(t, []string{
		"STORAGE-Кемерово-write",
		"STORAGE-Кемерово-read",
		"STORAGE-Кемерово-01-Производство-Документация-read",
		"STORAGE-Кемерово-01-Производство-Документация-write",
		"STORAGE-Кемерово-14-MTO-read",
		"STORAGE-Кемерово-14-MTO-write",
	}, svc.GroupNames("Кемерово"))
}

func TestCreateIsRepeatable(t *testing.T) {
	svc, mem, share := newService(t)
	ctx := context.Background()

	rep, err := svc.Create(ctx, "Кемерово")
	require.NoError(t, err)
	assert.Equal(t, "OU=права Кемерово,"+accessOU, rep.OU)
	require.Len(t, rep.Groups, 6)
	require.Len(t, rep.Folders, 3)
	for _, g := range rep.Groups {
		assert.True(t, g.Created, g.Name)
	}
	assert.Equal(t, `\\datastorage\Storage\06_СТИ\Строительные объекты\Кемерово`, rep.Folders[0].Name)
	_, ok := mem.Lookup("CN=STORAGE-Кемерово-write,OU=права Кемерово," + accessOU)
	assert.True(t, ok)

	rep, err = svc.Create(ctx, "Кемерово")
	require.NoError(t, err)
	for _, g := range rep.Groups {
		assert.False(t, g.Created, g.Name)
	}
	for _, f := range rep.Folders {
		assert.False(t, f.Created, f.Name)
	}
	assert.Len(t, share.scripts, 2)
}

func TestCreateCollectsFolderFailure(t *testing.T) {
	svc, _, _ := newService(t)
	svc.Channel = remote.Func(func(context.Context, string) (remote.Output, error) {
		return remote.Output{ExitCode: 1, Stderr: "Access to the path is denied"}, nil
	})
	rep, err := svc.Create(context.Background(), "Камчатка")
	require.Error(t, err)
	assert.Equal(t, fault.DependencyFailed, fault.CategoryOf(err))
	assert.Len(t, rep.Groups, 6)
	require.Len(t, rep.Errors, 1)
	assert.Contains(t, rep.Errors[0], "Access to the path is denied")
}

func TestCreateRequiresAccessContainer(t *testing.T) {
	svc, _, _ := newService(t)
	svc.AccessOU = "OU=Нет такого," + base
	_, err := svc.Create(context.Background(), "Камчатка")
	require.Error(t, err)
	assert.Equal(t, fault.ReasonMissingContainer, fault.ReasonOf(err))
}

func TestValidateName(t *testing.T) {
	require.NoError(t, ValidateName("ON Тюмень"))
	require.Error(t, ValidateName(" "))
	require.Error(t, ValidateName(`a\b`))
}

func TestParseFolders(t *testing.T) {
	items := ParseFolders("CREATED\t\\\\srv\\a\r\nnoise\r\nEXISTS\t\\\\srv\\a\\b\r\n")
	assert.Equal(t, []Item{{Name: `\\srv\a`, Created: true}, {Name: `\\srv\a\b`}}, items)
}
