package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault(DefaultBaseDN)))
	require.NoError(t, err)
	assert.Equal(t, "OU=Технические логины,"+DefaultBaseDN, cfg.Directory.TechnicalOU)
	assert.Equal(t, 90*time.Second, cfg.Timeouts.Outer)
	assert.Len(t, cfg.Sites.Folders, 15)
	assert.Equal(t, `\\datastorage\Storage\06_СТИ\Строительные объекты`, cfg.Sites.ShareRoot)
	assert.Equal(t, "dttermo.ru", cfg.Organizations.MailDomain("ДТ Термо"))
	assert.Len(t, cfg.Notifications.Confirmation, 10)
	assert.Empty(t, cfg.Secrets.JWTSecret)

	assert.Equal(t, cfg.Directory.DepartedOU, Default(DefaultBaseDN).Directory.DepartedOU)
}

func TestValidateRejectsTightOuterTimeout(t *testing.T) {
	doc := strings.Replace(GenerateDefault(DefaultBaseDN), "outer: 90s", "outer: 40s", 1)
	_, err := FromYAML([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outer")
}

func TestValidateRequiresContainersUnderBase(t *testing.T) {
	cfg := Default(DefaultBaseDN)
	cfg.Directory.DepartedOU = "OU=Elsewhere,DC=other,DC=com"
	require.Error(t, cfg.Validate())

	cfg = Default(DefaultBaseDN)
	cfg.Organizations = nil
	require.Error(t, cfg.Validate())

	cfg = Default(DefaultBaseDN)
	delete(cfg.RBAC.Roles, "owner")
	require.Error(t, cfg.Validate())

	cfg = Default(DefaultBaseDN)
	cfg.Mailbox.Enabled = true
	cfg.Remote.Addr = ""
	require.Error(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.Error(t, err)
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "staffline.yml"), []byte(GenerateDefault("DC=example,DC=com")), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "DC=example,DC=com", cfg.Directory.BaseDN)
	_, err = FromFile(Path(dir))
	require.NoError(t, err)

	_, err = FromYAML([]byte("directory: ["))
	require.Error(t, err)
}
