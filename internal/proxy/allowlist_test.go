package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowlistHostAllowed(t *testing.T) {
	allowlist := Allowlist{
		"gmail": {"gmail.googleapis.com"},
		"slack": {"slack.com", "*.slack.com"},
	}

	assert.True(t, allowlist.HostAllowed("gmail", "gmail.googleapis.com"))
	assert.True(t, allowlist.HostAllowed("gmail", "GMAIL.googleapis.com"))
	assert.False(t, allowlist.HostAllowed("gmail", "example.com"))
	assert.False(t, allowlist.HostAllowed("gmail", "evil-gmail.googleapis.com.attacker.io"))

	assert.True(t, allowlist.HostAllowed("slack", "slack.com"))
	assert.True(t, allowlist.HostAllowed("slack", "files.slack.com"))
	assert.False(t, allowlist.HostAllowed("slack", "notslack.com"))

	// Unknown toolkits reach nothing.
	assert.False(t, allowlist.HostAllowed("github", "api.github.com"))
}

func TestParsePath(t *testing.T) {
	route, err := parsePath("/proxy/a1/acct1/gmail.googleapis.com/gmail/v1/profile")
	assert.NoError(t, err)
	assert.Equal(t, "a1", route.agentSlug)
	assert.Equal(t, "acct1", route.accountID)
	assert.Equal(t, "gmail.googleapis.com", route.host)
	assert.Equal(t, "/gmail/v1/profile", route.path)

	route, err = parsePath("/proxy/a1/acct1/api.github.com")
	assert.NoError(t, err)
	assert.Equal(t, "/", route.path)

	_, err = parsePath("/proxy/a1/acct1")
	assert.Error(t, err)

	_, err = parsePath("/api/agents")
	assert.Error(t, err)
}
