// Package mailbox enables Exchange mailboxes through the remote script channel.
package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"staffline/internal/fault"
	"staffline/internal/remote"
)

// Provisioner creates a mailbox for an existing directory account.
type Provisioner interface {
	CreateMailbox(ctx context.Context, login, principal string) (Result, error)
}

type Result struct {
	Created bool   `json:"created"`
	Detail  string `json:"detail"`
}

type Config struct {
	Server   string
	Database string
}

// Exchange runs Enable-Mailbox in a remote Exchange PowerShell session.
type Exchange struct {
	Channel remote.Channel
	Config  Config
	Logger  *slog.Logger
}

const (
	markerCreated = "MAILBOX_CREATED"
	markerExists  = "MAILBOX_EXISTS"
	markerNoConn  = "EXCHANGE_CONNECT_FAILED"
)

// Script returns the PowerShell run for login. Kerberos over HTTP is tried
// first, then Basic over HTTPS.
func (x Exchange) Script(login string) string {
	database := ""
	if strings.TrimSpace(x.Config.Database) != "" {
		database = " -Database " + remote.Quote(x.Config.Database)
	}
	identity := remote.Quote(login)
	return fmt.Sprintf(`$ErrorActionPreference = 'Stop'
function Connect-Exchange([string]$Uri, [string]$Auth) {
  try {
    $s = New-PSSession -ConfigurationName Microsoft.Exchange -ConnectionUri $Uri -Authentication $Auth -AllowRedirection
    Import-PSSession $s -DisableNameChecking | Out-Null
    return $s
  } catch { return $null }
}
$session = Connect-Exchange -Uri %[1]s -Auth 'Kerberos'
if ($null -eq $session) { $session = Connect-Exchange -Uri %[2]s -Auth 'Basic' }
if ($null -eq $session) { [Console]::Error.WriteLine('%[5]s'); exit 2 }
try {
  $mb = Get-Mailbox -Identity %[3]s -ErrorAction SilentlyContinue
  if ($null -eq $mb) {
    Enable-Mailbox -Identity %[3]s%[4]s | Out-Null
    Write-Output '%[6]s'
  } else {
    Write-Output '%[7]s'
  }
} catch {
  [Console]::Error.WriteLine($_.Exception.Message)
  exit 1
} finally {
  Remove-PSSession $session
}
`,
		remote.Quote("http://"+x.Config.Server+"/PowerShell/"),
		remote.Quote("https://"+x.Config.Server+"/PowerShell/"),
		identity, database, markerNoConn, markerCreated, markerExists)
}

func (x Exchange) CreateMailbox(ctx context.Context, login, principal string) (Result, error) {
	logger := x.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out, err := x.Channel.Run(ctx, x.Script(login))
	if err != nil {
		return Result{}, fault.WithStage("mailbox", err)
	}
	switch {
	case out.OK() && strings.Contains(out.Stdout, markerExists):
		logger.Info("mailbox already exists", "login", login, "principal", principal)
		return Result{Detail: "Почтовый ящик уже существует"}, nil
	case out.OK():
		logger.Info("mailbox created", "login", login, "principal", principal)
		return Result{Created: true, Detail: "Почтовый ящик создан"}, nil
	}
	detail := Explain(out)
	logger.Warn("mailbox creation failed", "login", login, "exit", out.ExitCode, "stderr", truncate(out.Stderr, 300))
	return Result{Detail: detail}, fault.New(fault.DependencyFailed, detail)
}

// Explain turns a failed script's output into an operator-facing reason.
func Explain(out remote.Output) string {
	stderr := out.Stderr
	switch {
	case strings.Contains(stderr, markerNoConn):
		return "Не удалось подключиться к Exchange PowerShell. Проверьте доступность сервера Exchange."
	case strings.Contains(stderr, "Access is denied"), strings.Contains(stderr, "Unauthorized"):
		return "Недостаточно прав для создания почтового ящика."
	case strings.Contains(stderr, "couldn't be found"), strings.Contains(stderr, "does not exist"):
		if strings.Contains(stderr, "Database") {
			return "База данных Exchange не найдена. Проверьте настройки базы данных."
		}
		return "Учетная запись пользователя не найдена в каталоге."
	}
	return fmt.Sprintf("Ошибка выполнения PowerShell (код %d): %s", out.ExitCode, truncate(strings.TrimSpace(stderr), 200))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
