package dirsync

import (
	"strings"

	"github.com/go-ldap/ldap/v3"

	ldapclient "github.com/isometry/ad-dirsync/internal/ldap"
)

// materializer turns raw directory entries into delivered entries.
type materializer struct {
	guids  *ldapclient.GUIDHandler
	sids   *ldapclient.SIDHandler
	wanted map[string]bool
}

func newMaterializer(attributes []string) *materializer {
	m := &materializer{
		guids: ldapclient.NewGUIDHandler(),
		sids:  ldapclient.NewSIDHandler(),
	}

	if len(attributes) > 0 {
		m.wanted = make(map[string]bool, len(attributes))
		for _, attr := range attributes {
			m.wanted[strings.ToLower(attr)] = true
		}
	}

	return m
}

// entry renders e. Binary identifiers become strings; everything else is
// copied as returned.
func (m *materializer) entry(id string, e *ldap.Entry) *Entry {
	out := &Entry{
		ID:         id,
		DN:         e.DN,
		Attributes: make(map[string][]string, len(e.Attributes)),
	}

	for _, attr := range e.Attributes {
		name := strings.ToLower(attr.Name)
		if m.wanted != nil && !m.wanted[name] {
			continue
		}

		switch name {
		case "objectguid":
			if guid, err := m.guids.GUIDBytesToString(e.GetRawAttributeValue(attr.Name)); err == nil {
				out.Attributes[attr.Name] = []string{guid}
			}
		case "objectsid":
			if sid := m.sids.ExtractSIDSafe(e); sid != "" {
				out.Attributes[attr.Name] = []string{sid}
			}
		default:
			out.Attributes[attr.Name] = append([]string(nil), attr.Values...)
		}
	}

	return out
}
