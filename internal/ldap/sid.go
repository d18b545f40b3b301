package ldap

import (
	"errors"
	"strings"

	"github.com/bwmarrin/go-objectsid"
	"github.com/go-ldap/ldap/v3"
)

// SIDHandler converts binary objectSid values to S-1-5-... strings.
type SIDHandler struct{}

// NewSIDHandler creates a new SID handler instance.
func NewSIDHandler() *SIDHandler {
	return &SIDHandler{}
}

// minSIDLength is the revision, sub-authority count and identifier authority.
const minSIDLength = 8

// ConvertBinarySIDToString converts a binary SID to its string representation.
func (s *SIDHandler) ConvertBinarySIDToString(binarySID []byte) (string, error) {
	if len(binarySID) < minSIDLength {
		return "", errors.New("binary SID is too short")
	}

	// objectsid.Decode indexes sub-authorities from the count byte
	if len(binarySID) < minSIDLength+4*int(binarySID[1]) {
		return "", errors.New("binary SID is truncated")
	}

	return objectsid.Decode(binarySID).String(), nil
}

// ExtractSIDSafe extracts the objectSid from an LDAP entry, returning an
// empty string if it is absent or malformed. String values are accepted as-is
// when they already look like a SID.
func (s *SIDHandler) ExtractSIDSafe(entry *ldap.Entry) string {
	if entry == nil {
		return ""
	}

	raw := entry.GetRawAttributeValue("objectSid")
	if strings.HasPrefix(string(raw), "S-") {
		return string(raw)
	}

	sid, err := s.ConvertBinarySIDToString(raw)
	if err != nil {
		return ""
	}
	return sid
}
