// Package objectid derives stable, content-based identifiers for catalog
// entities. The same logical object (same name, same parent chain) always
// maps to the same identifier across repeated crawls, regardless of any
// vendor-native identifier the source database may report.
package objectid

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// OID is a derived object identifier: the first 32 hex characters of a
// SHA-256 digest. OIDs only ever contain [0-9a-f], which is what makes the
// NUL-separated canonical encoding in Derive unambiguous.
type OID string

// Nil is the zero OID.
const Nil OID = ""

// Root derives the identifier for a datastore root, from which every
// schema OID in that datastore descends.
func Root(datastoreID uuid.UUID) OID {
	return digest([]byte(datastoreID.String()))
}

// Derive computes the identifier for a child object from its parent's
// identifier and its own name. The canonical encoding is parent || 0x00 ||
// name; names may contain any byte except NUL (no SQL identifier does), and
// parent is fixed-width hex, so distinct (parent, name) pairs never collide
// on encoding.
func Derive(parent OID, name string) OID {
	buf := make([]byte, 0, len(parent)+1+len(name))
	buf = append(buf, parent...)
	buf = append(buf, 0)
	buf = append(buf, name...)
	return digest(buf)
}

// DeriveAll walks a name chain from a root, returning the OID of the final
// element. DeriveAll(r, "a", "b") == Derive(Derive(r, "a"), "b").
func DeriveAll(root OID, names ...string) OID {
	id := root
	for _, name := range names {
		id = Derive(id, name)
	}
	return id
}

// Content hashes arbitrary text into an OID. Used by engines that have no
// stable vendor-native identifier (cloud catalogs) to synthesize object_ref
// values.
func Content(parts ...string) OID {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return OID(hex.EncodeToString(h.Sum(nil))[:32])
}

func digest(b []byte) OID {
	sum := sha256.Sum256(b)
	return OID(hex.EncodeToString(sum[:])[:32])
}

// String implements fmt.Stringer.
func (o OID) String() string { return string(o) }

// IsNil reports whether the OID is unset.
func (o OID) IsNil() bool { return o == Nil }
