package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var yookassaCIDRs = []string{"185.71.76.0/27", "77.75.156.11/32", "2a02:5180::/32"}

func TestAllowList(t *testing.T) {
	list, err := NewAllowList(yookassaCIDRs)
	require.NoError(t, err)

	tests := []struct {
		ip   string
		want bool
	}{
		{"185.71.76.5", true},
		{"185.71.76.40", false},
		{"77.75.156.11", true},
		{"77.75.156.12", false},
		{"2a02:5180::1", true},
		{"10.0.0.1", false},
		{"not-an-ip", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, list.Contains(tt.ip), tt.ip)
	}
}

func TestNewAllowListRejectsBadCIDR(t *testing.T) {
	_, err := NewAllowList([]string{"185.71.76.0/27", "185.71.76.0/99"})
	assert.Error(t, err)
}
