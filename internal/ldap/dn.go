package ldap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// tombstoneMangle separates the original RDN value from the deletion marker
// AD appends when an object moves to the deleted-objects container.
const tombstoneMangle = "\nDEL:"

// NormalizeDNCase uppercases the attribute types of a DN and re-escapes its
// values, e.g. "cn=john,ou=users,dc=example,dc=com" becomes
// "CN=john,OU=users,DC=example,DC=com". Value case is preserved.
func NormalizeDNCase(dn string) (string, error) {
	dn = strings.TrimSpace(dn)
	if dn == "" {
		return "", nil
	}

	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return "", fmt.Errorf("invalid DN syntax: %w", err)
	}

	return formatDN(parsed.RDNs, strings.ToUpper, identity), nil
}

// DNKey returns a case-folded form of dn for set membership and equality.
// Two DNs that AD treats as the same entry yield the same key.
func DNKey(dn string) (string, error) {
	dn = strings.TrimSpace(dn)
	if dn == "" {
		return "", errors.New("DN cannot be empty")
	}

	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return "", fmt.Errorf("invalid DN syntax: %w", err)
	}

	return formatDN(parsed.RDNs, strings.ToLower, strings.ToLower), nil
}

// ValidateDNSyntax validates that a string is a properly formatted Distinguished Name.
func ValidateDNSyntax(dn string) error {
	if strings.TrimSpace(dn) == "" {
		return errors.New("DN cannot be empty")
	}

	if _, err := ldap.ParseDN(dn); err != nil {
		return fmt.Errorf("invalid DN syntax: %w", err)
	}

	return nil
}

// GetDNParent returns the parent DN by removing the first RDN component.
func GetDNParent(dn string) (string, error) {
	if dn == "" {
		return "", errors.New("DN cannot be empty")
	}

	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return "", fmt.Errorf("invalid DN syntax: %w", err)
	}

	if len(parsed.RDNs) <= 1 {
		return "", fmt.Errorf("DN has no parent: %s", dn)
	}

	return formatDN(parsed.RDNs[1:], strings.ToUpper, identity), nil
}

// IsDNWithin reports whether dn equals base or lies anywhere beneath it,
// comparing case-insensitively.
func IsDNWithin(dn, base string) (bool, error) {
	if dn == "" || base == "" {
		return false, errors.New("DNs cannot be empty")
	}

	parsedDN, err := ldap.ParseDN(dn)
	if err != nil {
		return false, fmt.Errorf("invalid DN syntax: %w", err)
	}

	parsedBase, err := ldap.ParseDN(base)
	if err != nil {
		return false, fmt.Errorf("invalid base DN syntax: %w", err)
	}

	return parsedBase.EqualFold(parsedDN) || parsedBase.AncestorOfFold(parsedDN), nil
}

// LiveDNKey reconstructs the pre-deletion DN key of a tombstone from its
// mangled DN and lastKnownParent.
func LiveDNKey(tombstoneDN, lastKnownParent string) (string, error) {
	parsed, err := ldap.ParseDN(tombstoneDN)
	if err != nil {
		return "", fmt.Errorf("invalid tombstone DN: %w", err)
	}

	if len(parsed.RDNs) == 0 || len(parsed.RDNs[0].Attributes) == 0 {
		return "", fmt.Errorf("tombstone DN has no RDN: %s", tombstoneDN)
	}

	first := parsed.RDNs[0].Attributes[0]
	value, _, _ := strings.Cut(first.Value, tombstoneMangle)

	parentKey, err := DNKey(lastKnownParent)
	if err != nil {
		return "", fmt.Errorf("invalid lastKnownParent: %w", err)
	}

	return strings.ToLower(first.Type) + "=" + escapeDNValue(strings.ToLower(value)) + "," + parentKey, nil
}

func identity(s string) string { return s }

func formatDN(rdns []*ldap.RelativeDN, typeCase, valueCase func(string) string) string {
	parts := make([]string, 0, len(rdns))
	for _, rdn := range rdns {
		attrs := make([]string, 0, len(rdn.Attributes))
		for _, attr := range rdn.Attributes {
			attrs = append(attrs, typeCase(attr.Type)+"="+escapeDNValue(valueCase(attr.Value)))
		}
		parts = append(parts, strings.Join(attrs, "+"))
	}
	return strings.Join(parts, ",")
}

// escapeDNValue escapes an attribute value per RFC 4514 section 2.4.
func escapeDNValue(value string) string {
	var b strings.Builder
	b.Grow(len(value))

	for i, r := range value {
		switch {
		case r == '"' || r == '+' || r == ',' || r == ';' || r == '<' || r == '>' || r == '\\' || r == '=':
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == '#' && i == 0:
			b.WriteString("\\#")
		case r == ' ' && (i == 0 || i == len(value)-1):
			b.WriteString("\\ ")
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(&b, "\\%02X", r)
		default:
			b.WriteRune(r)
		}
	}

	return b.String()
}
