package ldap

import (
	"encoding/binary"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSID(authority byte, subAuthorities ...uint32) []byte {
	sid := []byte{1, byte(len(subAuthorities)), 0, 0, 0, 0, 0, authority}
	for _, sub := range subAuthorities {
		sid = binary.LittleEndian.AppendUint32(sid, sub)
	}
	return sid
}

func TestSIDHandler_ConvertBinarySIDToString(t *testing.T) {
	handler := NewSIDHandler()

	tests := []struct {
		name     string
		input    []byte
		expected string
		wantErr  bool
	}{
		{
			name:     "domain administrator",
			input:    buildSID(5, 21, 1, 2, 3, 500),
			expected: "S-1-5-21-1-2-3-500",
		},
		{
			name:     "well-known everyone",
			input:    buildSID(1, 0),
			expected: "S-1-1-0",
		},
		{
			name:    "too short",
			input:   []byte{1, 1, 0},
			wantErr: true,
		},
		{
			name:    "truncated sub-authorities",
			input:   buildSID(5, 21, 1, 2, 3, 500)[:20],
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := handler.ConvertBinarySIDToString(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestSIDHandler_ExtractSIDSafe(t *testing.T) {
	handler := NewSIDHandler()

	binaryEntry := ldap.NewEntry("CN=a,DC=example,DC=com", map[string][]string{
		"objectSid": {string(buildSID(5, 21, 1, 2, 3, 1105))},
	})
	assert.Equal(t, "S-1-5-21-1-2-3-1105", handler.ExtractSIDSafe(binaryEntry))

	text := ldap.NewEntry("CN=a,DC=example,DC=com", map[string][]string{
		"objectSid": {"S-1-5-21-9-9-9-1000"},
	})
	assert.Equal(t, "S-1-5-21-9-9-9-1000", handler.ExtractSIDSafe(text))

	assert.Empty(t, handler.ExtractSIDSafe(ldap.NewEntry("CN=a,DC=example,DC=com", nil)))
	assert.Empty(t, handler.ExtractSIDSafe(nil))
}
