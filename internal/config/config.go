package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"staffline/internal/naming"
	"staffline/internal/notify"
	"staffline/internal/placement"
)

// Config models staffline.yml. Secrets are never read from the file; see Secrets.
type Config struct {
	Directory struct {
		URL                string `yaml:"url"`
		Domain             string `yaml:"domain"`
		Username           string `yaml:"username"`
		BaseDN             string `yaml:"base_dn"`
		TechnicalOU        string `yaml:"technical_ou"`
		DepartedOU         string `yaml:"departed_ou"`
		InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
		MaxRetries         int    `yaml:"max_retries"`
		PageSize           uint32 `yaml:"page_size"`
	} `yaml:"directory"`
	Organizations naming.Organizations `yaml:"organizations"`
	Mailbox       struct {
		Enabled  bool   `yaml:"enabled"`
		Server   string `yaml:"server"`
		Database string `yaml:"database"`
	} `yaml:"mailbox"`
	Remote struct {
		Addr           string `yaml:"addr"`
		User           string `yaml:"user"`
		KeyFile        string `yaml:"key_file"`
		KnownHostsFile string `yaml:"known_hosts_file"`
	} `yaml:"remote"`
	SMTP struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		From     string `yaml:"from"`
		SSL      bool   `yaml:"ssl"`
	} `yaml:"smtp"`
	Notifications notify.Lists `yaml:"notifications"`
	Timeouts      Timeouts     `yaml:"timeouts"`
	Sites         struct {
		AccessOU  string   `yaml:"access_ou"`
		ShareRoot string   `yaml:"share_root"`
		Folders   []string `yaml:"folders"`
	} `yaml:"sites"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
		// TrustedActorHeader is taken as the caller's actor id without
		// verification. Set it only behind a proxy that authenticates.
		TrustedActorHeader string `yaml:"trusted_actor_header"`
	} `yaml:"server"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`

	Secrets Secrets `yaml:"-"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type Timeouts struct {
	Directory time.Duration `yaml:"directory"`
	Mailbox   time.Duration `yaml:"mailbox"`
	Email     time.Duration `yaml:"email"`
	Outer     time.Duration `yaml:"outer"`
}

// Secrets come from the environment (STAFFLINE_*).
type Secrets struct {
	DirectoryPassword string
	InitialPassword   string
	RemotePassword    string
	SMTPPassword      string
	JWTSecret         string
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Directory.BaseDN == "" {
		return fmt.Errorf("config.directory.base_dn is required")
	}
	for name, dn := range map[string]string{
		"technical_ou": c.Directory.TechnicalOU,
		"departed_ou":  c.Directory.DepartedOU,
	} {
		if dn == "" {
			return fmt.Errorf("config.directory.%s is required", name)
		}
		if !strings.HasSuffix(strings.ToLower(dn), strings.ToLower(c.Directory.BaseDN)) {
			return fmt.Errorf("config.directory.%s must be under base_dn", name)
		}
	}
	if len(c.Organizations) == 0 {
		return fmt.Errorf("config.organizations must list at least the primary organization")
	}
	for i, o := range c.Organizations {
		if o.MailDomain == "" {
			return fmt.Errorf("organization %d (%s) has no mail_domain", i, o.Name)
		}
	}
	t := c.Timeouts
	if t.Directory <= 0 || t.Mailbox <= 0 || t.Email <= 0 || t.Outer <= 0 {
		return fmt.Errorf("config.timeouts must all be positive")
	}
	if t.Outer <= 2*t.Email+t.Directory {
		return fmt.Errorf("config.timeouts.outer (%s) must exceed 2*email + directory (%s)", t.Outer, 2*t.Email+t.Directory)
	}
	if c.Mailbox.Enabled && (c.Mailbox.Server == "" || c.Remote.Addr == "") {
		return fmt.Errorf("config.mailbox requires mailbox.server and remote.addr")
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	return nil
}

// Placement is the OU rule table for the configured directory root.
func (c *Config) Placement() placement.Policy {
	return placement.DefaultPolicy(c.Directory.BaseDN)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "staffline.yml")
}

// GenerateDefault returns default config YAML for a directory rooted at baseDN.
func GenerateDefault(baseDN string) string {
	return strings.ReplaceAll(defaultTemplate, "{{base}}", baseDN)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a directory rooted at baseDN.
func Default(baseDN string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(baseDN))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// DefaultBaseDN is the directory root used by sl config init.
const DefaultBaseDN = "DC=central,DC=st-ing,DC=com"

const defaultTemplate = `directory:
  url: ldaps://central.st-ing.com:636
  domain: CENTRAL
  username: svc-staffline
  base_dn: {{base}}
  technical_ou: OU=Технические логины,{{base}}
  departed_ou: OU=Уволенные сотрудники,{{base}}
  max_retries: 2
  page_size: 500

organizations:
  - name: СтройТехноИнженеринг
    keywords: [STI, СТРОЙ, ТЕХНО, ИНЖЕНЕРИНГ, ТРОЙ]
    mail_domain: st-ing.com
    group: СтройТехноИнженеринг
  - name: DtTermo
    keywords: [DTTERMO, ДТ]
    mail_domain: dttermo.ru
    group: DttermoSign

mailbox:
  enabled: false
  server: mailzone.central.st-ing.com
  database: STI_Mailbox

remote:
  addr: mailzone.central.st-ing.com:22
  user: svc-staffline

smtp:
  host: mailzone.central.st-ing.com
  port: 465
  username: staffline@st-ing.com
  from: staffline@st-ing.com
  ssl: true

notifications:
  company_name: СтройТехноИнженеринг
  confirmation: [h@st-ing.com, il@st-ing.com, ok@st-ing.com, st@st-ing.com, den@st-ing.com, ian@st-ing.com, pav@st-ing.com, evg@st-ing.com, alek@st-ing.com, dmitn@st-ing.com]
  confirmation_technical: [sta@st-ing.com, den@st-ing.com, ian@st-ing.com]
  welcome_cc: [sta@st-ing.com, den@st-ing.com, ian@st-ing.com, alek@st-ing.com, pave@st-ing.com, evge@st-ing.com, dmi@st-ing.com]
  welcome_cc_technical: [sta@st-ing.com]
  attachments:
    - C:/www/email_files/Инструкция по управлению почтой СТИ.docx
    - C:/www/email_files/Welcomebook STI.pdf
    - C:/www/email_files/Инструкция по ServiceDesk.docx

timeouts:
  directory: 10s
  mailbox: 20s
  email: 15s
  outer: 90s

sites:
  access_ou: OU=права доступа к папкам строительных объектов,OU=Группы прав доступа к папкам,{{base}}
  share_root: \\datastorage\Storage\06_СТИ\Строительные объекты
  folders:
    - 01 Производство Документация
    - 02 Производство
    - 03 Проектирование
    - 04 Сметная документация
    - 05 Общая
    - 06 ПТО
    - 07 Документация
    - 08 Договора
    - 09 Протоколы совещаний
    - 10 Безопасность
    - 11 Субподрядчики
    - 12 Вендор-лист
    - 13 Транспортные расходы
    - 14 MTO
    - 15 Заявки

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  # trusted_actor_header: X-Remote-User

rbac:
  roles:
    owner:
      description: "Full access"
      permissions: [employee.read, employee.intake, employee.approve, employee.reject, employee.dismiss, technical.create, site.create, directory.admin, audit.read, rbac.manage]
    hr:
      description: "HR operator"
      permissions: [employee.read, employee.intake, employee.reject, employee.dismiss]
    it:
      description: "IT operator"
      permissions: [employee.read, employee.approve, employee.reject, employee.dismiss, technical.create, site.create, directory.admin, audit.read]
    intake:
      description: "Upstream HR system"
      permissions: [employee.intake]
`
