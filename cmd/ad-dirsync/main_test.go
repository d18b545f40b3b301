package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ad-dirsync/internal/dirsync"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected *options
		wantErr  string
	}{
		{
			name:     "defaults",
			args:     nil,
			expected: &options{command: "sync"},
		},
		{
			name: "sync flags",
			args: []string{"-c", "/etc/ad-dirsync.yaml", "--once", "--reset", "--interval", "90s", "--log-level", "debug"},
			expected: &options{
				command:    "sync",
				configPath: "/etc/ad-dirsync.yaml",
				once:       true,
				reset:      true,
				interval:   90 * time.Second,
				logLevel:   "debug",
			},
		},
		{
			name: "set-password",
			args: []string{"set-password", "--dn", "CN=John,OU=Users,DC=example,DC=com"},
			expected: &options{
				command: "set-password",
				dn:      "CN=John,OU=Users,DC=example,DC=com",
			},
		},
		{
			name:    "set-password without dn",
			args:    []string{"set-password"},
			wantErr: "--dn is required",
		},
		{
			name:    "sync flag on set-password",
			args:    []string{"set-password", "--dn", "CN=x,DC=com", "--once"},
			wantErr: "unknown flag",
		},
		{
			name:    "negative interval",
			args:    []string{"--interval", "-1m"},
			wantErr: "cannot be negative",
		},
		{
			name:    "positional argument",
			args:    []string{"extra"},
			wantErr: "unexpected argument: extra",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("AD_DIRSYNC_CONFIG", "")

			opts, err := parseArgs(tt.args)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, opts)
		})
	}
}

func TestParseArgs_ConfigFromEnvironment(t *testing.T) {
	t.Setenv("AD_DIRSYNC_CONFIG", "/srv/ad-dirsync.yaml")

	opts, err := parseArgs(nil)
	require.NoError(t, err)
	assert.Equal(t, "/srv/ad-dirsync.yaml", opts.configPath)
}

func TestJSONLines(t *testing.T) {
	var buf bytes.Buffer
	out := newJSONLines(&buf)

	deltas := []*dirsync.Delta{
		{
			Kind: dirsync.DeltaCreate,
			ID:   "5f4e1c2a-0000-0000-0000-000000000001",
			DN:   "CN=Alice,OU=Users,DC=example,DC=com",
			USN:  1201,
			Entry: &dirsync.Entry{
				ID:         "5f4e1c2a-0000-0000-0000-000000000001",
				DN:         "CN=Alice,OU=Users,DC=example,DC=com",
				Attributes: map[string][]string{"mail": {"alice@example.com"}},
			},
		},
		{
			Kind: dirsync.DeltaDelete,
			ID:   "5f4e1c2a-0000-0000-0000-000000000002",
		},
	}

	for _, d := range deltas {
		require.NoError(t, out.Handle(t.Context(), d))
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "CREATE", first["kind"])
	assert.Equal(t, "CN=Alice,OU=Users,DC=example,DC=com", first["dn"])
	assert.NotContains(t, first, "membership_triggered")

	assert.JSONEq(t, `{"kind":"DELETE","id":"5f4e1c2a-0000-0000-0000-000000000002"}`, lines[1])
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("AD_DIRSYNC_CONFIG", "")
	t.Setenv("AD_DIRSYNC_LDAP_DOMAIN", "")

	err := run(t.Context(), []string{"--once"}, strings.NewReader(""), &bytes.Buffer{})
	assert.ErrorContains(t, err, "domain or urls")
}
