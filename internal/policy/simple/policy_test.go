package simple

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolicyAllowFetch(t *testing.T) {
	t.Parallel()

	p := New(Config{BlockedDomains: []string{"*.facebook.com", "linkedin.com", " "}})
	tests := []struct {
		url  string
		want bool
	}{
		{"https://www.netze-bw.de/netzentgelte", true},
		{"https://facebook.com/netze", false},
		{"https://de-de.facebook.com/netze", false},
		{"https://linkedin.com/company/x", false},
		{"https://www.linkedin.com/company/x", true},
		{"mailto:info@example.com", false},
		{"ftp://example.com/file", false},
		{"::bad", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, p.AllowFetch(tc.url), tc.url)
	}
}

func TestPolicyAllowHeadless(t *testing.T) {
	t.Parallel()

	p := New(Config{NoHeadlessDomains: []string{".static.example"}})
	assert.True(t, p.AllowHeadless("https://dno.example/page", 200))
	assert.True(t, p.AllowHeadless("https://dno.example/page", 403))
	assert.False(t, p.AllowHeadless("https://dno.example/page", 404))
	assert.False(t, p.AllowHeadless("https://cdn.static.example/page", 200))
}

func TestNilPolicyAllowsHTTP(t *testing.T) {
	t.Parallel()

	var p *Policy
	assert.True(t, p.AllowFetch("https://example.com"))
	assert.True(t, p.AllowHeadless("https://example.com", 200))
	assert.False(t, p.AllowFetch("javascript:void(0)"))
}
