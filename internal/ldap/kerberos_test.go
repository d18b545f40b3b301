package ldap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKerberosPrincipal(t *testing.T) {
	tests := []struct {
		name      string
		cfg       *ConnectionConfig
		principal string
		realm     string
		wantErr   bool
	}{
		{
			name:      "explicit realm",
			cfg:       &ConnectionConfig{Username: "svc-sync", KerberosRealm: "example.com"},
			principal: "svc-sync",
			realm:     "EXAMPLE.COM",
		},
		{
			name:      "realm from UPN",
			cfg:       &ConnectionConfig{Username: "svc-sync@example.com"},
			principal: "svc-sync",
			realm:     "EXAMPLE.COM",
		},
		{
			name:      "configured realm wins over UPN",
			cfg:       &ConnectionConfig{Username: "svc-sync@other.com", KerberosRealm: "EXAMPLE.COM"},
			principal: "svc-sync",
			realm:     "EXAMPLE.COM",
		},
		{
			name:  "ccache without username",
			cfg:   &ConnectionConfig{KerberosRealm: "EXAMPLE.COM", KerberosCCache: "/tmp/krb5cc"},
			realm: "EXAMPLE.COM",
		},
		{name: "no realm", cfg: &ConnectionConfig{Username: "svc-sync"}, wantErr: true},
		{name: "no principal", cfg: &ConnectionConfig{KerberosRealm: "EXAMPLE.COM"}, wantErr: true},
		{name: "nil config", cfg: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			principal, realm, err := kerberosPrincipal(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.principal, principal)
			assert.Equal(t, tt.realm, realm)
		})
	}
}

func TestBuildServicePrincipal(t *testing.T) {
	spn, err := buildServicePrincipal(&ConnectionConfig{}, &ServerInfo{Host: "dc1.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "ldap/dc1.example.com", spn)

	spn, err = buildServicePrincipal(&ConnectionConfig{}, &ServerInfo{Host: "dc1.example.com:636"})
	require.NoError(t, err)
	assert.Equal(t, "ldap/dc1.example.com", spn)

	spn, err = buildServicePrincipal(&ConnectionConfig{KerberosSPN: "ldap/ad.example.com"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ldap/ad.example.com", spn)

	_, err = buildServicePrincipal(&ConnectionConfig{}, nil)
	assert.Error(t, err)

	_, err = buildServicePrincipal(nil, &ServerInfo{Host: "dc1"})
	assert.Error(t, err)
}

func TestCreateGSSAPIClient_MissingConfig(t *testing.T) {
	cfg := &ConnectionConfig{
		KerberosConfig: filepath.Join(t.TempDir(), "krb5.conf"),
		Password:       "secret",
	}

	_, err := createGSSAPIClient(cfg, "svc-sync", "EXAMPLE.COM")
	assert.ErrorContains(t, err, "kerberos configuration file not found")
}

func TestDefaultCCachePath(t *testing.T) {
	t.Setenv("KRB5CCNAME", "FILE:/tmp/krb5cc_custom")
	assert.Equal(t, "/tmp/krb5cc_custom", defaultCCachePath())
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keytab")
	require.NoError(t, os.WriteFile(path, []byte{0x05, 0x02}, 0o600))

	assert.True(t, fileExists(path))
	assert.False(t, fileExists(dir))
	assert.False(t, fileExists(filepath.Join(dir, "missing")))
	assert.False(t, fileExists(""))
}
