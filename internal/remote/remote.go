// Package remote runs PowerShell scripts on a Windows management host.
package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/text/encoding/unicode"
)

// Output is what a finished script produced.
type Output struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

func (o Output) OK() bool { return o.ExitCode == 0 }

// Channel executes scripts. Run must return once ctx ends, whether or not the
// remote side finished.
type Channel interface {
	Run(ctx context.Context, script string) (Output, error)
}

// SSHConfig points at an OpenSSH server on the management host.
type SSHConfig struct {
	Addr           string
	User           string
	Password       string
	KeyFile        string
	KnownHostsFile string
	Timeout        time.Duration
}

// SSH runs scripts through "powershell -EncodedCommand" over SSH. Each Run
// opens its own connection.
type SSH struct {
	cfg    SSHConfig
	logger *slog.Logger
}

func NewSSH(cfg SSHConfig, logger *slog.Logger) *SSH {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SSH{cfg: cfg, logger: logger}
}

func (s *SSH) clientConfig() (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	if s.cfg.KeyFile != "" {
		pem, err := os.ReadFile(s.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if s.cfg.Password != "" {
		methods = append(methods, ssh.Password(s.cfg.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("remote: no ssh credentials configured")
	}
	hostKey, err := s.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            methods,
		HostKeyCallback: hostKey,
		Timeout:         s.cfg.Timeout,
	}, nil
}

func (s *SSH) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if s.cfg.KnownHostsFile == "" {
		s.logger.Warn("remote host key is not verified; set remote.known_hosts_file")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	data, err := os.ReadFile(s.cfg.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("read known hosts: %w", err)
	}
	var keys []ssh.PublicKey
	for len(data) > 0 {
		var key ssh.PublicKey
		_, _, key, _, data, err = ssh.ParseKnownHosts(data)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("parse known hosts: %w", err)
		}
		keys = append(keys, key)
	}
	return func(_ string, _ net.Addr, presented ssh.PublicKey) error {
		for _, k := range keys {
			if bytes.Equal(k.Marshal(), presented.Marshal()) {
				return nil
			}
		}
		return fmt.Errorf("remote: host key %s not trusted", ssh.FingerprintSHA256(presented))
	}, nil
}

func (s *SSH) Run(ctx context.Context, script string) (Output, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	cfg, err := s.clientConfig()
	if err != nil {
		return Output{}, err
	}
	command, err := EncodeCommand(script)
	if err != nil {
		return Output{}, err
	}

	conn, err := (&net.Dialer{Timeout: s.cfg.Timeout}).DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return Output{}, fmt.Errorf("remote: dial %s: %w", s.cfg.Addr, err)
	}
	// Closing the connection unblocks the handshake and a running session.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, chans, reqs, err := ssh.NewClientConn(conn, s.cfg.Addr, cfg)
	if err != nil {
		conn.Close()
		return Output{}, s.abandoned(ctx, fmt.Errorf("remote: handshake: %w", err))
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()
	session, err := client.NewSession()
	if err != nil {
		return Output{}, s.abandoned(ctx, fmt.Errorf("remote: open session: %w", err))
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	out := Output{}
	if err := session.Run(command); err != nil {
		var exit *ssh.ExitError
		if !errors.As(err, &exit) {
			return Output{}, s.abandoned(ctx, fmt.Errorf("remote: run: %w", err))
		}
		out.ExitCode = exit.ExitStatus()
	}
	out.Stdout = stdout.String()
	out.Stderr = stderr.String()
	s.logger.Debug("remote script finished", "addr", s.cfg.Addr, "exit", out.ExitCode, "stderr_len", len(out.Stderr))
	return out, nil
}

// abandoned reports ctx's error instead of err when the call was cut short.
func (s *SSH) abandoned(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("remote: %w", ctx.Err())
	}
	return err
}

// EncodeCommand wraps script for powershell -EncodedCommand, which expects
// base64 of the UTF-16LE text.
func EncodeCommand(script string) (string, error) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	utf16, err := enc.String(script)
	if err != nil {
		return "", fmt.Errorf("remote: encode script: %w", err)
	}
	return "powershell -NoProfile -NonInteractive -EncodedCommand " + base64.StdEncoding.EncodeToString([]byte(utf16)), nil
}

// PowerShell treats the typographic single quotes as literal delimiters too.
var singleQuotes = strings.NewReplacer(
	"'", "''",
	"\u2018", "\u2018\u2018",
	"\u2019", "\u2019\u2019",
	"\u201a", "\u201a\u201a",
	"\u201b", "\u201b\u201b",
)

// Quote renders s as a single-quoted PowerShell string literal.
func Quote(s string) string {
	return "'" + singleQuotes.Replace(s) + "'"
}

// Func adapts a function to Channel.
type Func func(ctx context.Context, script string) (Output, error)

func (f Func) Run(ctx context.Context, script string) (Output, error) { return f(ctx, script) }
