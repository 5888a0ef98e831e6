package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/pdfjobs/internal/jobmodel"
)

func TestValidate_Accepts(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		wantNorm   string
		wantDomain string
	}{
		{
			name:       "simple https",
			url:        "https://example.com/a",
			wantNorm:   "https://example.com/a",
			wantDomain: "example.com",
		},
		{
			name:       "default port stripped and fragment removed",
			url:        "https://EXAMPLE.com:443/a#frag",
			wantNorm:   "https://example.com/a",
			wantDomain: "example.com",
		},
		{
			name:       "non-default port kept",
			url:        "http://example.com:8080/a",
			wantNorm:   "http://example.com:8080/a",
			wantDomain: "example.com",
		},
		{
			name:       "query string preserved",
			url:        "https://example.com/a?x=1&y=2",
			wantNorm:   "https://example.com/a?x=1&y=2",
			wantDomain: "example.com",
		},
		{
			name:       "multi-label public suffix",
			url:        "https://a.b.example.co.uk/x",
			wantNorm:   "https://a.b.example.co.uk/x",
			wantDomain: "example.co.uk",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Validate(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.wantNorm, res.NormalizedURL)
			assert.Equal(t, tt.wantDomain, res.DomainKey)
		})
	}
}

func TestValidate_Idempotent(t *testing.T) {
	// Validate must be idempotent on its own output.
	urls := []string{
		"https://EXAMPLE.com:443/a#frag",
		"http://Example.COM/path?q=1",
		"https://a.b.example.co.uk/x",
	}
	for _, u := range urls {
		first, err := Validate(u)
		require.NoError(t, err)
		second, err := Validate(first.NormalizedURL)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	}
}

func TestValidate_RejectsInvalidURL(t *testing.T) {
	tests := []string{
		"",
		"not-a-url :// broken",
		"ftp://example.com/file",
		"file:///etc/passwd",
		"https://",
	}
	for _, u := range tests {
		_, err := Validate(u)
		require.Error(t, err)
		var rejectErr *RejectError
		require.ErrorAs(t, err, &rejectErr)
		assert.Equal(t, jobmodel.ErrorInvalidURL, rejectErr.Code)
	}
}

func TestValidate_RejectsSSRF(t *testing.T) {
	tests := []string{
		"http://169.254.169.254/latest/meta-data",
		"http://[fd00:ec2::254]/latest/meta-data",
		"http://localhost:8080/",
		"http://sub.localhost/",
		"http://127.0.0.1/",
		"http://10.1.2.3/",
		"http://172.16.5.5/",
		"http://192.168.1.1/",
		"http://0.0.0.0/",
		"http://[::1]/",
		"http://[fc00::1]/",
		"http://[fe80::1]/",
	}
	for _, u := range tests {
		_, err := Validate(u)
		require.Errorf(t, err, "expected %s to be rejected", u)
		var rejectErr *RejectError
		require.ErrorAs(t, err, &rejectErr)
		assert.Equal(t, jobmodel.ErrorSSRFBlocked, rejectErr.Code)
	}
}

func TestValidate_PublicIPLiteralUsesItselfAsDomainKey(t *testing.T) {
	res, err := Validate("http://93.184.216.34/a")
	require.NoError(t, err)
	assert.Equal(t, "93.184.216.34", res.DomainKey)
}
