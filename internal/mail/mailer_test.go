package mail

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestConfigured(t *testing.T) {
	assert.False(t, NewMailer(Config{}, zap.NewNop()).Configured())
	assert.False(t, NewMailer(Config{Host: "smtp.example.com"}, zap.NewNop()).Configured())
	assert.True(t, NewMailer(Config{
		Host: "smtp.example.com",
		From: "noreply@example.com",
	}, zap.NewNop()).Configured())
}

func TestMagicLinkURL(t *testing.T) {
	m := NewMailer(Config{BaseURL: "https://audiobooks.example.com/"}, zap.NewNop())
	assert.Equal(t,
		"https://audiobooks.example.com/verify.html?token=abc%2Fdef",
		m.MagicLinkURL("abc/def"))

	m = NewMailer(Config{BaseURL: "http://localhost:8080"}, zap.NewNop())
	assert.Equal(t,
		"http://localhost:8080/verify.html?token=tok123",
		m.MagicLinkURL("tok123"))
}

func TestSendWithoutConfig(t *testing.T) {
	m := NewMailer(Config{}, zap.NewNop())
	err := m.SendMagicLink(context.Background(), "a@example.com", "alice1", "tok")
	assert.True(t, errors.Is(err, ErrNotConfigured))
}

func TestBuildMessage(t *testing.T) {
	msg := string(buildMessage("noreply@example.com", []string{"a@example.com"}, "Your login link", "hello\r\n"))

	assert.True(t, strings.HasPrefix(msg, "From: noreply@example.com\r\n"))
	assert.Contains(t, msg, "To: a@example.com\r\n")
	assert.Contains(t, msg, "Subject: Your login link\r\n")
	assert.True(t, strings.HasSuffix(msg, "\r\n\r\nhello\r\n"), "headers and body separated by a blank line")
}
