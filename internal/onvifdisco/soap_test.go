package onvifdisco

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWSSecurityHeaderOmittedForEmptyCredentials(t *testing.T) {
	assert.Empty(t, wsSecurityHeader("", ""))
}

func TestWSSecurityHeaderContainsDigestFields(t *testing.T) {
	h := wsSecurityHeader("admin", "secret")
	assert.True(t, strings.Contains(h, "<Username>admin</Username>"))
	assert.True(t, strings.Contains(h, "PasswordDigest"))
	assert.True(t, strings.Contains(h, "<Nonce"))
	assert.True(t, strings.Contains(h, "<Created"))
}

func TestBuildProbeHasFreshMessageIDEachCall(t *testing.T) {
	a := string(buildProbe())
	b := string(buildProbe())
	assert.NotEqual(t, a, b)
	assert.True(t, strings.Contains(a, "d:Probe"))
}
