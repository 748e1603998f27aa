package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLists = Lists{
	Confirmation:          []string{"hr@example.com", "it@example.com"},
	ConfirmationTechnical: []string{"it@example.com"},
	WelcomeCc:             []string{"hr@example.com"},
	WelcomeCcTechnical:    []string{"it@example.com"},
}

func TestConfirmationUsesListByKind(t *testing.T) {
	a := Acceptance{ExternalID: "00042", Login: "ivan.petrov", Mail: "ivan.petrov@example.com", Password: "Initial-1"}
	msg := testLists.ConfirmationMessage(a)
	assert.Equal(t, "Подтверждение приема 00042", msg.Subject)
	assert.Equal(t, testLists.Confirmation, msg.To)
	assert.Contains(t, msg.Body, "ivan.petrov - учетная запись")
	assert.Contains(t, msg.Body, "Initial-1")
	assert.False(t, msg.HTML)

	a.Technical = true
	assert.Equal(t, testLists.ConfirmationTechnical, testLists.ConfirmationMessage(a).To)
}

func TestWelcomeEscapesName(t *testing.T) {
	msg := testLists.WelcomeMessage(Acceptance{FirstName: "<Иван>", SecondName: "Петров", Mail: "ivan.petrov@example.com"})
	assert.True(t, msg.HTML)
	assert.Equal(t, []string{"ivan.petrov@example.com"}, msg.To)
	assert.Equal(t, testLists.WelcomeCc, msg.Cc)
	assert.Equal(t, "Добро пожаловать в компанию! <Иван> Петров !", msg.Subject)
	assert.Contains(t, msg.Body, "&lt;Иван&gt;")
	assert.NotContains(t, msg.Body, "<Иван>")
}

func TestBuildSkipsMissingAttachments(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "Welcomebook.pdf")
	require.NoError(t, os.WriteFile(present, []byte("%PDF"), 0o644))

	s := NewSMTP(SMTPConfig{Host: "localhost", From: "staffline@example.com"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m, err := s.Build(Message{
		To:          []string{"ivan.petrov@example.com"},
		Cc:          []string{"hr@example.com"},
		Subject:     "hello",
		Body:        "body",
		Attachments: []string{present, filepath.Join(dir, "missing.docx")},
	})
	require.NoError(t, err)
	rcpt, err := m.GetRecipients()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ivan.petrov@example.com", "hr@example.com"}, rcpt)
	assert.Len(t, m.GetAttachments(), 1)

	var sb strings.Builder
	_, err = m.WriteTo(&sb)
	require.NoError(t, err)
	assert.Contains(t, sb.String(), "Welcomebook.pdf")
}

func TestBuildRejectsBadInput(t *testing.T) {
	s := NewSMTP(SMTPConfig{Host: "localhost", From: "staffline@example.com"}, nil)
	_, err := s.Build(Message{Subject: "x"})
	require.Error(t, err)
	_, err = s.Build(Message{To: []string{"not an address"}})
	require.Error(t, err)
}

func TestRecorder(t *testing.T) {
	r := &Recorder{Fail: func(_ context.Context, msg Message) error {
		if msg.Subject == "bad" {
			return errors.New("relay refused")
		}
		return nil
	}}
	require.NoError(t, r.Send(context.Background(), Message{Subject: "ok"}))
	require.Error(t, r.Send(context.Background(), Message{Subject: "bad"}))
	require.Len(t, r.Sent(), 1)
	assert.Equal(t, "ok", r.Sent()[0].Subject)
}
