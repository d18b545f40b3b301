package ldap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
)

// GUIDBytesLength is the size of a binary objectGUID.
const GUIDBytesLength = 16

// GUIDHandler converts between Active Directory's binary objectGUID and the
// canonical lowercase hyphenated string. AD stores the first three GUID
// fields little-endian and the last eight bytes as-is.
type GUIDHandler struct{}

// NewGUIDHandler creates a new GUID handler instance.
func NewGUIDHandler() *GUIDHandler {
	return &GUIDHandler{}
}

// swapGUIDEndianness converts between AD and RFC 4122 byte order. The
// transform is its own inverse.
func swapGUIDEndianness(b []byte) [GUIDBytesLength]byte {
	var out [GUIDBytesLength]byte
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:GUIDBytesLength])
	return out
}

// GUIDBytesToString converts Active Directory GUID bytes to standard string format.
func (g *GUIDHandler) GUIDBytesToString(guidBytes []byte) (string, error) {
	if len(guidBytes) != GUIDBytesLength {
		return "", fmt.Errorf("invalid GUID byte length: expected %d, got %d", GUIDBytesLength, len(guidBytes))
	}

	return uuid.UUID(swapGUIDEndianness(guidBytes)).String(), nil
}

// StringToGUIDBytes converts a GUID string (hyphenated, compact, braced or
// urn:uuid) to Active Directory byte order.
func (g *GUIDHandler) StringToGUIDBytes(guidString string) ([]byte, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(guidString))
	if err != nil {
		return nil, fmt.Errorf("invalid GUID format %q: %w", guidString, err)
	}

	ad := swapGUIDEndianness(parsed[:])
	return ad[:], nil
}

// NormalizeGUID returns the canonical lowercase hyphenated form.
func (g *GUIDHandler) NormalizeGUID(guidString string) (string, error) {
	if strings.TrimSpace(guidString) == "" {
		return "", errors.New("GUID string cannot be empty")
	}

	parsed, err := uuid.Parse(strings.TrimSpace(guidString))
	if err != nil {
		return "", fmt.Errorf("invalid GUID format %q: %w", guidString, err)
	}

	return parsed.String(), nil
}

// GUIDToSearchFilter creates an (objectGUID=...) filter with escaped binary bytes.
func (g *GUIDHandler) GUIDToSearchFilter(guidString string) (string, error) {
	guidBytes, err := g.StringToGUIDBytes(guidString)
	if err != nil {
		return "", err
	}

	return "(objectGUID=" + ldap.EscapeFilter(string(guidBytes)) + ")", nil
}

// ExtractGUID extracts the objectGUID from an LDAP entry and returns it as a string.
func (g *GUIDHandler) ExtractGUID(entry *ldap.Entry) (string, error) {
	if entry == nil {
		return "", errors.New("LDAP entry cannot be nil")
	}

	raw := entry.GetRawAttributeValue("objectGUID")
	if len(raw) == 0 {
		return "", errors.New("objectGUID attribute not found in entry")
	}

	return g.GUIDBytesToString(raw)
}
