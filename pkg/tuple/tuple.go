// Package tuple defines the relation tuple: the single edge type the
// authorization graph is built from, plus the validation rules every
// other package relies on to accept one.
package tuple

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// identifierPattern matches namespace-class identifiers: non-empty,
// restricted to [A-Za-z0-9_-].
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

const maxIdentifierLen = 256

// Userset is the user_type value marking a userset subject, whose user_id
// names the group as "ns:obj#rel". Any other user_type value is treated as
// a direct principal kind (e.g. "user").
const Userset = "userset"

// RelationTuple is one edge of the authorization graph:
// object --(relation)--> subject.
type RelationTuple struct {
	Namespace string    `json:"namespace"`
	ObjectID  string    `json:"object_id"`
	Relation  string    `json:"relation"`
	UserType  string    `json:"user_type"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Key uniquely identifies a tuple within the store, independent of
// CreatedAt (re-inserting the same key is idempotent).
type Key struct {
	Namespace string
	ObjectID  string
	Relation  string
	UserType  string
	UserID    string
}

// Key returns the tuple's unique key.
func (t RelationTuple) Key() Key {
	return Key{
		Namespace: t.Namespace,
		ObjectID:  t.ObjectID,
		Relation:  t.Relation,
		UserType:  t.UserType,
		UserID:    t.UserID,
	}
}

// IsUserset reports whether the tuple's subject is a userset reference
// rather than a direct principal.
func (t RelationTuple) IsUserset() bool {
	return t.UserType == Userset
}

// ParsedUserset is the decoded form of a userset subject's user_id,
// which must be syntactically `<ns>:<obj>#<rel>`.
type ParsedUserset struct {
	Namespace string
	ObjectID  string
	Relation  string
}

// ParseUserset decodes a userset subject id of the form "ns:obj#rel".
// The referenced relation need not exist yet; only syntax is checked.
func ParseUserset(userID string) (ParsedUserset, error) {
	hashIdx := strings.LastIndex(userID, "#")
	if hashIdx < 0 || hashIdx == len(userID)-1 {
		return ParsedUserset{}, fmt.Errorf("tuple: userset subject %q missing '#relation'", userID)
	}
	rel := userID[hashIdx+1:]
	nsObj := userID[:hashIdx]

	colonIdx := strings.Index(nsObj, ":")
	if colonIdx <= 0 || colonIdx == len(nsObj)-1 {
		return ParsedUserset{}, fmt.Errorf("tuple: userset subject %q missing 'ns:obj'", userID)
	}
	ns := nsObj[:colonIdx]
	obj := nsObj[colonIdx+1:]

	if ns == "" || obj == "" || rel == "" {
		return ParsedUserset{}, fmt.Errorf("tuple: userset subject %q has an empty component", userID)
	}
	return ParsedUserset{Namespace: ns, ObjectID: obj, Relation: rel}, nil
}

// Encode renders a userset reference back into its wire form "ns:obj#rel".
func (p ParsedUserset) Encode() string {
	return p.Namespace + ":" + p.ObjectID + "#" + p.Relation
}

// ValidateField checks one identifier-shaped field: non-empty, printable
// UTF-8, length <= 256. Namespace additionally restricts to [A-Za-z0-9_-].
func ValidateField(name, value string, restrictCharset bool) error {
	if value == "" {
		return fmt.Errorf("tuple: %s must not be empty", name)
	}
	if len(value) > maxIdentifierLen {
		return fmt.Errorf("tuple: %s exceeds maximum length of %d", name, maxIdentifierLen)
	}
	if !isPrintableUTF8(value) {
		return fmt.Errorf("tuple: %s must be printable UTF-8", name)
	}
	if restrictCharset && !identifierPattern.MatchString(value) {
		return fmt.Errorf("tuple: %s must match [A-Za-z0-9_-]+", name)
	}
	return nil
}

func isPrintableUTF8(s string) bool {
	for _, r := range s {
		if r == '�' {
			return false
		}
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

// Validate checks every field of the tuple, and that a
// userset subject parses as "ns:obj#rel".
func (t RelationTuple) Validate() error {
	if err := ValidateField("namespace", t.Namespace, true); err != nil {
		return err
	}
	if err := ValidateField("object_id", t.ObjectID, false); err != nil {
		return err
	}
	if err := ValidateField("relation", t.Relation, false); err != nil {
		return err
	}
	if err := ValidateField("user_type", t.UserType, false); err != nil {
		return err
	}
	if err := ValidateField("user_id", t.UserID, false); err != nil {
		return err
	}
	if t.IsUserset() {
		if _, err := ParseUserset(t.UserID); err != nil {
			return err
		}
	}
	return nil
}

// NamespaceAliases maps deployment-local namespace spellings (e.g.
// "teams") onto the canonical spelling the store persists under. The
// spelling choice is left to the deployment; this is the normalization
// hook applied at the API boundary.
type NamespaceAliases map[string]string

// Normalize rewrites t.Namespace through the alias map, if present.
func (a NamespaceAliases) Normalize(t RelationTuple) RelationTuple {
	if canonical, ok := a[t.Namespace]; ok {
		t.Namespace = canonical
	}
	return t
}
