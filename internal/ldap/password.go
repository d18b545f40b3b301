package ldap

import (
	"errors"
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

// UnicodePwdAttribute is the write-only AD credential attribute.
const UnicodePwdAttribute = "unicodePwd"

// EncodeUnicodePassword encodes a clear-text password the way AD expects in
// unicodePwd: the value wrapped in double quotes, encoded as UTF-16LE
// without a byte-order mark. An empty password yields an empty value.
func EncodeUnicodePassword(password string) ([]byte, error) {
	if password == "" {
		return []byte{}, nil
	}

	encoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	encoded, err := encoder.String(`"` + password + `"`)
	if err != nil {
		return nil, fmt.Errorf("encode password: %w", err)
	}

	return []byte(encoded), nil
}

// NewPasswordModifyRequest builds the replace operation that sets a user's
// password. AD only accepts it over an encrypted connection.
func NewPasswordModifyRequest(dn, password string) (*ModifyRequest, error) {
	if dn == "" {
		return nil, errors.New("DN cannot be empty")
	}
	if password == "" {
		return nil, errors.New("password cannot be empty")
	}

	value, err := EncodeUnicodePassword(password)
	if err != nil {
		return nil, err
	}

	return &ModifyRequest{
		DN: dn,
		ReplaceAttributes: map[string][]string{
			UnicodePwdAttribute: {string(value)},
		},
	}, nil
}
