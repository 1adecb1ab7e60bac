package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMakeWsURL(t *testing.T) {
	assert.Equal(t, "ws://127.0.0.1:1234", MakeWsURL("http://127.0.0.1:1234"))
	assert.Equal(t, "wss://example.com/ws", MakeWsURL("https://example.com/ws"))
}

func TestTokenFromRequestURI(t *testing.T) {
	assert.Equal(t, "abc123", TokenFromRequestURI("/ws?token=abc123"))
	assert.Equal(t, "", TokenFromRequestURI("/ws"))
	assert.Equal(t, "", TokenFromRequestURI("/ws?other=1"))
	assert.Equal(t, "", TokenFromRequestURI("::not a uri::"))
}

func TestAppendToken(t *testing.T) {
	cases := []struct {
		base, token, want string
	}{
		{"wss://backend:8443/ws", "abc", "wss://backend:8443/ws?token=abc"},
		{"wss://backend:8443/ws?site=1", "abc", "wss://backend:8443/ws?site=1&token=abc"},
		{"wss://backend:8443/ws?", "abc", "wss://backend:8443/ws?token=abc"},
		{"wss://backend:8443/ws?token=fixed", "abc", "wss://backend:8443/ws?token=fixed"},
		{"wss://backend:8443/ws", "", "wss://backend:8443/ws"},
		{"wss://backend:8443/ws", "a b&c", "wss://backend:8443/ws?token=a+b%26c"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, AppendToken(c.base, c.token), "base=%s token=%s", c.base, c.token)
	}
}

func TestRedactToken(t *testing.T) {
	assert.Equal(t, "wss://backend/ws", RedactToken("wss://backend/ws?token=secret"))
	assert.Equal(t, "wss://backend/ws?site=1", RedactToken("wss://backend/ws?site=1&token=secret"))
	assert.Equal(t, "wss://backend/ws?site=1", RedactToken("wss://backend/ws?site=1"))
}
