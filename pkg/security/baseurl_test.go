package security

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestValidateBaseURL(t *testing.T) {
	cases := []struct {
		url    string
		local  bool
		wantOK bool
	}{
		{"", false, true},
		{"https://api.openai.com/v1", false, true},
		{"https://93.184.216.34/v1", false, true},
		{"http://api.openai.com/v1", false, false},
		{"ftp://api.openai.com", false, false},
		{"https://localhost:11434/v1", false, false},
		{"https://10.0.0.7/v1", false, false},
		{"https://[::ffff:127.0.0.1]/v1", false, false},
		{"https://[fe80::1%25eth0]/", false, false},
		{"https://user:pw@api.openai.com/v1", false, false},
		{"https:///v1", false, false},
		{"http://localhost:11434/v1", true, true},
		{"http://192.168.1.20:8000/v1", true, true},
		{"unix:///tmp/llm.sock", true, false},
	}
	for _, c := range cases {
		err := ValidateBaseURL(c.url, BaseURLPolicy{AllowLocal: c.local})
		if c.wantOK {
			assert.NoError(t, err, c.url)
		} else {
			assert.True(t, errors.Is(err, ErrUnsafeURL), "%s: %v", c.url, err)
		}
	}
}
