package provision

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"staffline/internal/directory"
	"staffline/internal/domain"
	"staffline/internal/fault"
	"staffline/internal/mailbox"
	"staffline/internal/notify"
)

type Timeouts struct {
	Directory time.Duration
	Mailbox   time.Duration
	Email     time.Duration
	Outer     time.Duration
}

// DefaultTimeouts keep Outer above two email sends plus a directory round trip.
var DefaultTimeouts = Timeouts{
	Directory: 10 * time.Second,
	Mailbox:   20 * time.Second,
	Email:     15 * time.Second,
	Outer:     90 * time.Second,
}

// Validate reports whether the outer bound leaves room for the best-effort
// steps to hit their own timeouts first.
func (t Timeouts) Validate() error {
	if t.Directory <= 0 || t.Mailbox <= 0 || t.Email <= 0 || t.Outer <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if t.Outer <= 2*t.Email+t.Directory {
		return fmt.Errorf("outer timeout %s must exceed two email timeouts plus the directory timeout (%s)", t.Outer, 2*t.Email+t.Directory)
	}
	return nil
}

// Result is the outcome of a provisioning or deprovisioning run.
type Result struct {
	RunID    string                   `json:"run_id"`
	Success  bool                     `json:"success"`
	Identity domain.DirectoryIdentity `json:"identity"`
	Steps    []StepResult             `json:"steps"`
	Err      error                    `json:"-"`
}

func (r Result) Category() fault.Category { return fault.CategoryOf(r.Err) }

func (r Result) Detail() string { return Describe(r.Err) }

// Failed lists the steps that did not succeed.
func (r Result) Failed() []StepResult {
	var out []StepResult
	for _, s := range r.Steps {
		if !s.OK {
			out = append(out, s)
		}
	}
	return out
}

// Provisioner creates everything a new employee needs.
type Provisioner struct {
	Naming          Naming
	Accounts        directory.Accounts
	Mailbox         mailbox.Provisioner
	Notifier        notify.Notifier
	Lists           notify.Lists
	Journal         Journal
	InitialPassword string
	Timeouts        Timeouts
	Logger          *slog.Logger
	Now             func() time.Time
}

func (p Provisioner) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p Provisioner) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// state is shared by the steps of one run. Steps are abandoned on timeout and
// may still finish later, so access is locked.
type state struct {
	mu       sync.Mutex
	identity domain.DirectoryIdentity
	attrs    map[string][]string
	dn       string
}

func (s *state) setIdentity(id domain.DirectoryIdentity, attrs map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity, s.attrs = id, attrs
}

func (s *state) setDN(dn string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dn = dn
	s.identity.DistinguishedName = dn
}

func (s *state) get() (domain.DirectoryIdentity, map[string][]string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.attrs, s.dn
}

// Provision runs the provisioning steps for e.
func (p Provisioner) Provision(ctx context.Context, e domain.Employee) Result {
	runID := uuid.NewString()
	logger := p.logger().With("run_id", runID, "employee_id", e.ID, "external_id", e.ExternalID)
	fx := effect{journal: p.Journal, runID: runID, employeeID: e.ID, now: p.now}
	st := &state{}
	t := p.Timeouts

	stages := []Stage{
		{{Name: "prepare", Mandatory: true, Run: func(context.Context) (string, error) {
			id, attrs, err := p.Naming.Identity(e, logger)
			st.setIdentity(id, attrs)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s в %s (правило %s, вариант имени %d)", id.LoginName, id.OrganizationalUnit, id.PlacementRule, id.RDNTier), nil
		}}},
		{{Name: "directory.upsert", Mandatory: true, Timeout: t.Directory, Run: func(ctx context.Context) (string, error) {
			id, attrs, _ := st.get()
			var res directory.UpsertResult
			err := fx.guard(ctx, "directory.create", id.DistinguishedName, func() (bool, error) {
				var err error
				res, err = p.Accounts.Upsert(ctx, id.DistinguishedName, attrs)
				return res.Created, err
			})
			if err != nil {
				return "", err
			}
			st.setDN(res.DN)
			if res.Created {
				return "учетная запись создана: " + res.DN, nil
			}
			return "учетная запись обновлена: " + res.DN, nil
		}}},
		{{Name: "directory.credentials", Timeout: t.Directory, Run: func(ctx context.Context) (string, error) {
			_, _, dn := st.get()
			if p.InitialPassword == "" {
				return "", fault.New(fault.DependencyFailed, "начальный пароль не настроен")
			}
			err := fx.guard(ctx, "directory.enable", dn, func() (bool, error) {
				return true, p.Accounts.EnableWithPassword(ctx, dn, p.InitialPassword)
			})
			if err != nil {
				return "", err
			}
			return "пароль установлен, учетная запись включена", nil
		}}},
		{{Name: "directory.groups", Timeout: t.Directory, Run: func(ctx context.Context) (string, error) {
			id, _, dn := st.get()
			if len(id.Groups) == 0 {
				return "групп для добавления нет", nil
			}
			var (
				added []string
				errs  *multierror.Error
			)
			for _, g := range id.Groups {
				if err := p.Accounts.AddToGroup(ctx, g, dn); err != nil {
					errs = multierror.Append(errs, fmt.Errorf("%s: %w", g, err))
					continue
				}
				added = append(added, g)
			}
			if err := errs.ErrorOrNil(); err != nil {
				return "", fault.Wrap(fault.DependencyFailed, err, "не удалось добавить в группы: "+groupErrors(errs))
			}
			return "добавлен в группы: " + strings.Join(added, ", "), nil
		}}},
		{{Name: "directory.manager", Timeout: t.Directory, Run: func(ctx context.Context) (string, error) {
			if strings.TrimSpace(e.ManagerExternalID) == "" {
				return "руководитель не указан", nil
			}
			_, _, dn := st.get()
			mgr, err := p.Accounts.AssignManager(ctx, dn, e.ManagerExternalID)
			if err != nil {
				return "", err
			}
			return "руководитель: " + mgr, nil
		}}},
		{{Name: "mailbox.create", Timeout: t.Mailbox, Run: func(ctx context.Context) (string, error) {
			if p.Mailbox == nil {
				return "", fault.New(fault.DependencyFailed, "создание почтовых ящиков не настроено")
			}
			id, _, _ := st.get()
			res, err := p.Mailbox.CreateMailbox(ctx, id.LoginName, id.PrincipalName)
			if err != nil {
				return "", err
			}
			return res.Detail, nil
		}}},
		{
			{Name: "notify.confirmation", Timeout: t.Email, Run: func(ctx context.Context) (string, error) {
				return p.send(ctx, p.Lists.ConfirmationMessage(p.acceptance(e, st)))
			}},
			{Name: "notify.welcome", Timeout: t.Email, Run: func(ctx context.Context) (string, error) {
				return p.send(ctx, p.Lists.WelcomeMessage(p.acceptance(e, st)))
			}},
		},
	}

	steps, err := Runner{Timeout: t.Outer, Logger: logger}.Run(ctx, stages)
	id, _, _ := st.get()
	res := Result{RunID: runID, Success: err == nil, Identity: id, Steps: steps, Err: err}
	if err != nil {
		logger.Error("provisioning failed", "category", res.Category(), "detail", res.Detail())
	} else {
		logger.Info("provisioning finished", "login", id.LoginName, "dn", id.DistinguishedName, "failed_steps", len(res.Failed()))
	}
	return res
}

func (p Provisioner) acceptance(e domain.Employee, st *state) notify.Acceptance {
	id, _, _ := st.get()
	return notify.Acceptance{
		ExternalID: e.ExternalID,
		FirstName:  e.FirstName,
		SecondName: e.SecondName,
		Login:      id.LoginName,
		Mail:       id.PrincipalName,
		Password:   p.InitialPassword,
		Technical:  e.IsTechnical,
	}
}

func (p Provisioner) send(ctx context.Context, msg notify.Message) (string, error) {
	if p.Notifier == nil {
		return "", fault.New(fault.DependencyFailed, "отправка почты не настроена")
	}
	if len(msg.To) == 0 {
		return "", fault.New(fault.DependencyFailed, "нет получателей")
	}
	if err := p.Notifier.Send(ctx, msg); err != nil {
		return "", err
	}
	return fmt.Sprintf("отправлено: %s", strings.Join(append(append([]string(nil), msg.To...), msg.Cc...), ", ")), nil
}

func groupErrors(errs *multierror.Error) string {
	parts := make([]string, 0, len(errs.Errors))
	for _, err := range errs.Errors {
		parts = append(parts, Describe(err))
	}
	return strings.Join(parts, "; ")
}
