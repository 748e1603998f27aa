package mailbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"staffline/internal/fault"
	"staffline/internal/remote"
)

func exchangeWith(fn remote.Func) Exchange {
	return Exchange{Channel: fn, Config: Config{Server: "mail.example.com", Database: "DB01"}}
}

func TestScriptQuotesInput(t *testing.T) {
	x := exchangeWith(nil)
	script := x.Script("o'neil")
	assert.Contains(t, script, "-Identity 'o''neil'")
	assert.Contains(t, script, "-Database 'DB01'")
	assert.Contains(t, script, "'http://mail.example.com/PowerShell/'")

	x.Config.Database = " "
	assert.NotContains(t, x.Script("ivan"), "-Database")
}

func TestCreateMailboxOutcomes(t *testing.T) {
	ctx := context.Background()

	res, err := exchangeWith(func(context.Context, string) (remote.Output, error) {
		return remote.Output{Stdout: markerCreated}, nil
	}).CreateMailbox(ctx, "ivan.petrov", "ivan.petrov@st-ing.com")
	require.NoError(t, err)
	assert.True(t, res.Created)

	res, err = exchangeWith(func(context.Context, string) (remote.Output, error) {
		return remote.Output{Stdout: markerExists}, nil
	}).CreateMailbox(ctx, "ivan.petrov", "ivan.petrov@st-ing.com")
	require.NoError(t, err)
	assert.False(t, res.Created)

	_, err = exchangeWith(func(context.Context, string) (remote.Output, error) {
		return remote.Output{ExitCode: 2, Stderr: markerNoConn}, nil
	}).CreateMailbox(ctx, "ivan.petrov", "ivan.petrov@st-ing.com")
	require.Error(t, err)
	assert.Equal(t, fault.DependencyFailed, fault.CategoryOf(err))
	assert.Contains(t, err.Error(), "Exchange PowerShell")
}

func TestCreateMailboxTimeout(t *testing.T) {
	x := exchangeWith(func(ctx context.Context, _ string) (remote.Output, error) {
		<-ctx.Done()
		return remote.Output{}, ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := x.CreateMailbox(ctx, "ivan.petrov", "ivan.petrov@st-ing.com")
	require.Error(t, err)
	assert.Equal(t, fault.DependencyTimeout, fault.CategoryOf(err))
}

func TestExplain(t *testing.T) {
	cases := map[string]string{
		"Access is denied":                         "Недостаточно прав",
		"Database 'X' couldn't be found":           "База данных Exchange",
		"The user account does not exist":          "Учетная запись пользователя не найдена",
		strings.Repeat("unexpected failure ", 30): "Ошибка выполнения PowerShell (код 1)",
	}
	for stderr, want := range cases {
		assert.Contains(t, Explain(remote.Output{ExitCode: 1, Stderr: stderr}), want)
	}
}
