package ldap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDNCase(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		{name: "empty string", input: "", expected: ""},
		{name: "whitespace only", input: "   ", expected: ""},
		{name: "lowercase types", input: "cn=john,ou=users,dc=example,dc=com", expected: "CN=john,OU=users,DC=example,DC=com"},
		{name: "value case preserved", input: "Cn=John Doe,Dc=Example", expected: "CN=John Doe,DC=Example"},
		{name: "escaped comma kept escaped", input: `cn=Doe\, John,dc=example`, expected: `CN=Doe\, John,DC=example`},
		{name: "multi-valued RDN", input: "cn=a+uid=b,dc=example", expected: "CN=a+UID=b,DC=example"},
		{name: "invalid", input: "not a dn", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := NormalizeDNCase(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestDNKey(t *testing.T) {
	a, err := DNKey("CN=John Doe,OU=Users,DC=Example,DC=com")
	require.NoError(t, err)
	b, err := DNKey("cn=john doe,ou=USERS,dc=example,dc=COM")
	require.NoError(t, err)

	assert.Equal(t, "cn=john doe,ou=users,dc=example,dc=com", a)
	assert.Equal(t, a, b)

	escaped, err := DNKey(`CN=Doe\, John,DC=example`)
	require.NoError(t, err)
	assert.Equal(t, `cn=doe\, john,dc=example`, escaped)

	_, err = DNKey("")
	assert.Error(t, err)
}

func TestValidateDNSyntax(t *testing.T) {
	assert.NoError(t, ValidateDNSyntax("CN=Group,OU=Groups,DC=example,DC=com"))
	assert.Error(t, ValidateDNSyntax(""))
	assert.Error(t, ValidateDNSyntax("CN"))
}

func TestGetDNParent(t *testing.T) {
	parent, err := GetDNParent("cn=John,ou=Users,dc=example,dc=com")
	require.NoError(t, err)
	assert.Equal(t, "OU=Users,DC=example,DC=com", parent)

	_, err = GetDNParent("DC=com")
	assert.Error(t, err)

	_, err = GetDNParent("")
	assert.Error(t, err)
}

func TestIsDNWithin(t *testing.T) {
	tests := []struct {
		name     string
		dn       string
		base     string
		expected bool
		wantErr  bool
	}{
		{name: "direct child", dn: "CN=John,OU=Users,DC=example,DC=com", base: "OU=Users,DC=example,DC=com", expected: true},
		{name: "nested child", dn: "CN=John,OU=Sales,OU=Users,DC=example,DC=com", base: "OU=Users,DC=example,DC=com", expected: true},
		{name: "equal", dn: "OU=Users,DC=example,DC=com", base: "ou=users,dc=example,dc=com", expected: true},
		{name: "case-insensitive", dn: "cn=john,ou=USERS,dc=example,dc=com", base: "OU=Users,DC=Example,DC=Com", expected: true},
		{name: "sibling", dn: "CN=John,OU=Admins,DC=example,DC=com", base: "OU=Users,DC=example,DC=com", expected: false},
		{name: "parent of base", dn: "DC=example,DC=com", base: "OU=Users,DC=example,DC=com", expected: false},
		{name: "empty", dn: "", base: "DC=com", wantErr: true},
		{name: "invalid base", dn: "CN=a,DC=com", base: "bogus", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := IsDNWithin(tt.dn, tt.base)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestLiveDNKey(t *testing.T) {
	key, err := LiveDNKey(
		`CN=John Doe\0ADEL:5f4e1c2a-0000-0000-0000-000000000001,CN=Deleted Objects,DC=example,DC=com`,
		"OU=Users,DC=example,DC=com",
	)
	require.NoError(t, err)

	live, err := DNKey("CN=John Doe,OU=Users,DC=example,DC=com")
	require.NoError(t, err)
	assert.Equal(t, live, key)

	_, err = LiveDNKey("CN=x,DC=com", "")
	assert.Error(t, err)
}
