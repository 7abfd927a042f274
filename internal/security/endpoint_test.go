package security

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTargetURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr error
		ok      bool
	}{
		{"public https", "https://agent.acme.io/run", nil, true},
		{"public ip", "http://93.184.216.34/x", nil, true},
		{"loopback literal", "http://127.0.0.1:8080/x", ErrBlockedTarget, false},
		{"ipv6 loopback", "http://[::1]/x", ErrBlockedTarget, false},
		{"rfc1918 10/8", "http://10.0.0.5/x", ErrBlockedTarget, false},
		{"rfc1918 192.168", "https://192.168.1.1/x", ErrBlockedTarget, false},
		{"rfc1918 172.16", "https://172.20.0.1/x", ErrBlockedTarget, false},
		{"link-local metadata", "http://169.254.169.254/latest", ErrBlockedTarget, false},
		{"unspecified", "http://0.0.0.0/x", ErrBlockedTarget, false},
		{"ipv4-mapped loopback", "http://[::ffff:127.0.0.1]/x", ErrBlockedTarget, false},
		{"localhost", "http://localhost:3000", ErrBlockedTarget, false},
		{"internal suffix", "https://svc.internal/x", ErrBlockedTarget, false},
		{"local suffix", "https://printer.local/x", ErrBlockedTarget, false},
		{"placeholder example.com", "https://example.com/agent", ErrPlaceholderTarget, false},
		{"placeholder subdomain", "https://api.example.org/agent", ErrPlaceholderTarget, false},
		{"placeholder marker", "https://your-agent.fly.dev", ErrPlaceholderTarget, false},
		{"bad scheme", "ftp://files.acme.io", nil, false},
		{"no host", "https:///path", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTargetURL(tt.url)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			}
		})
	}
}

func TestDialControl(t *testing.T) {
	assert.NoError(t, DialControl("tcp", "93.184.216.34:443", nil))
	assert.ErrorIs(t, DialControl("tcp", "127.0.0.1:80", nil), ErrBlockedTarget)
	assert.ErrorIs(t, DialControl("tcp", "10.1.2.3:80", nil), ErrBlockedTarget)
	assert.ErrorIs(t, DialControl("tcp", "[fe80::1]:80", nil), ErrBlockedTarget)
	assert.ErrorIs(t, DialControl("tcp", "garbage", nil), ErrBlockedTarget)
}
