package directory

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-ldap/ldap/v3"
	"golang.org/x/text/encoding/unicode"
)

// LDAPConfig describes how to reach and authenticate against the directory.
// When Domain is set the service account binds with NTLM, otherwise with a
// simple bind of Username.
type LDAPConfig struct {
	URL                string
	Domain             string
	Username           string
	Password           string
	Timeout            time.Duration
	InsecureSkipVerify bool
	MaxRetries         uint64
	PageSize           uint32
}

// LDAP is a Gateway backed by a single lazily (re)established connection.
// A broken connection is dropped and redialed by the retry policy.
type LDAP struct {
	cfg    LDAPConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *ldap.Conn
}

func NewLDAP(cfg LDAPConfig, logger *slog.Logger) *LDAP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LDAP{cfg: cfg, logger: logger}
}

func (l *LDAP) Bind(ctx context.Context) error {
	_, err := l.connection(ctx)
	return err
}

func (l *LDAP) connection(ctx context.Context) (*ldap.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil && !l.conn.IsClosing() {
		return l.conn, nil
	}
	dialer := &net.Dialer{Timeout: l.cfg.Timeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}
	conn, err := ldap.DialURL(l.cfg.URL,
		ldap.DialWithDialer(dialer),
		ldap.DialWithTLSConfig(&tls.Config{InsecureSkipVerify: l.cfg.InsecureSkipVerify}),
	)
	if err != nil {
		return nil, newResultError("dial", l.cfg.URL, CodeNetwork, err.Error())
	}
	conn.SetTimeout(l.cfg.Timeout)
	if l.cfg.Domain != "" {
		err = conn.NTLMBind(l.cfg.Domain, l.cfg.Username, l.cfg.Password)
	} else {
		err = conn.Bind(l.cfg.Username, l.cfg.Password)
	}
	if err != nil {
		conn.Close()
		return nil, convert("bind", l.cfg.Username, err)
	}
	l.logger.Info("directory bound", "url", l.cfg.URL, "user", l.cfg.Username)
	l.conn = conn
	return conn, nil
}

func (l *LDAP) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
}

// do runs fn on a live connection. Network failures drop the connection and
// are retried with exponential backoff; every other failure is returned at
// once. A call still running when ctx ends is abandoned.
func (l *LDAP) do(ctx context.Context, op, dn string, fn func(*ldap.Conn) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 0
	retries := l.cfg.MaxRetries
	if retries == 0 {
		retries = 2
	}
	attempt := func() error {
		conn, err := l.connection(ctx)
		if err != nil {
			if IsCode(err, CodeNetwork) {
				return err
			}
			return backoff.Permanent(err)
		}
		done := make(chan error, 1)
		go func() { done <- fn(conn) }()
		select {
		case err = <-done:
		case <-ctx.Done():
			l.reset()
			return backoff.Permanent(fmt.Errorf("%s %s: %w", op, dn, ctx.Err()))
		}
		if err == nil {
			return nil
		}
		err = convert(op, dn, err)
		if IsCode(err, CodeNetwork) {
			l.logger.Warn("directory connection lost, redialing", "op", op, "dn", dn, "err", err)
			l.reset()
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx))
}

func convert(op, dn string, err error) error {
	var le *ldap.Error
	if errors.As(err, &le) {
		desc := ldap.LDAPResultCodeMap[le.ResultCode]
		if le.Err != nil {
			desc = desc + ": " + le.Err.Error()
		}
		return newResultError(op, dn, le.ResultCode, desc)
	}
	return err
}

func (l *LDAP) Search(ctx context.Context, baseDN string, filter Filter, attrs []string) ([]Entry, error) {
	var out []Entry
	err := l.do(ctx, "search", baseDN, func(conn *ldap.Conn) error {
		req := ldap.NewSearchRequest(baseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, int(l.cfg.Timeout.Seconds()), false,
			filter.String(), attrs, nil)
		res, err := conn.SearchWithPaging(req, l.cfg.PageSize)
		if err != nil {
			return err
		}
		out = out[:0]
		for _, e := range res.Entries {
			entry := Entry{DN: e.DN, Attributes: make(map[string][]string, len(e.Attributes))}
			for _, a := range e.Attributes {
				entry.Attributes[a.Name] = a.Values
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *LDAP) Add(ctx context.Context, dn string, attrs map[string][]string) error {
	return l.do(ctx, "add", dn, func(conn *ldap.Conn) error {
		req := ldap.NewAddRequest(dn, nil)
		for name, values := range attrs {
			req.Attribute(name, values)
		}
		return conn.Add(req)
	})
}

func (l *LDAP) Modify(ctx context.Context, dn string, changes []Change) error {
	return l.do(ctx, "modify", dn, func(conn *ldap.Conn) error {
		return conn.Modify(modifyRequest(dn, changes))
	})
}

func modifyRequest(dn string, changes []Change) *ldap.ModifyRequest {
	req := ldap.NewModifyRequest(dn, nil)
	for _, c := range changes {
		switch c.Op {
		case ModAdd:
			req.Add(c.Attr, c.Values)
		case ModDelete:
			req.Delete(c.Attr, c.Values)
		default:
			req.Replace(c.Attr, c.Values)
		}
	}
	return req
}

func (l *LDAP) ModifyDN(ctx context.Context, dn, newRDN, newParent string) error {
	return l.do(ctx, "modrdn", dn, func(conn *ldap.Conn) error {
		return conn.ModifyDN(ldap.NewModifyDNRequest(dn, newRDN, true, newParent))
	})
}

// SetPassword writes unicodePwd, which the directory accepts only over an
// encrypted connection.
func (l *LDAP) SetPassword(ctx context.Context, dn, secret string) error {
	encoded, err := EncodePassword(secret)
	if err != nil {
		return err
	}
	return l.do(ctx, "set-password", dn, func(conn *ldap.Conn) error {
		return conn.Modify(modifyRequest(dn, []Change{Replace("unicodePwd", encoded)}))
	})
}

// EncodePassword returns the quoted UTF-16LE form expected in unicodePwd.
func EncodePassword(secret string) (string, error) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	out, err := enc.String(`"` + secret + `"`)
	if err != nil {
		return "", fmt.Errorf("encode password: %w", err)
	}
	return out, nil
}

func (l *LDAP) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}
