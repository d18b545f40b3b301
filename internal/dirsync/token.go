package dirsync

import (
	"encoding/base64"
)

// EncodeToken renders a token as standard base64 for storage. An absent
// token encodes to the empty string.
func EncodeToken(token Token) string {
	if len(token) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(token)
}

// DecodeToken parses a stored token. The empty string is the absent token.
// Anything that is not canonical standard base64 fails with
// ErrMalformedToken.
func DecodeToken(stored string) (Token, error) {
	if stored == "" {
		return nil, nil
	}

	raw, err := base64.StdEncoding.Strict().DecodeString(stored)
	if err != nil {
		return nil, newError(ErrMalformedToken, "decode token", err, "invalid base64")
	}

	if len(raw) == 0 || base64.StdEncoding.EncodeToString(raw) != stored {
		return nil, newError(ErrMalformedToken, "decode token", nil, "token does not round-trip")
	}

	return Token(raw), nil
}
