package cache

import (
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
)

// Namespace is a '/'-separated path grouping keys for bulk invalidation. The
// empty Namespace is the root and contains every other namespace.
type Namespace string

// NewNamespace joins segments into a Namespace.
func NewNamespace(segments ...string) Namespace {
	return Namespace(strings.Join(segments, "/"))
}

// Segments returns the path segments, nil for the root.
func (ns Namespace) Segments() []string {
	if ns == "" {
		return nil
	}
	return strings.Split(string(ns), "/")
}

// Child returns the namespace nested under ns named seg.
func (ns Namespace) Child(seg string) Namespace {
	if ns == "" {
		return Namespace(seg)
	}
	return ns + "/" + Namespace(seg)
}

// Contains reports whether other is ns itself or nested below it.
func (ns Namespace) Contains(other Namespace) bool {
	if ns == "" || ns == other {
		return true
	}
	return strings.HasPrefix(string(other), string(ns)+"/")
}

// Validate checks every segment is usable as a directory name.
func (ns Namespace) Validate() error {
	for _, seg := range ns.Segments() {
		if seg == "" || seg == "." || seg == ".." || strings.ContainsAny(seg, "/\\\x00"+keySeparator) {
			return errors.Wrapf(ErrInvalidKey, "invalid namespace segment %q in %q", seg, ns)
		}
	}
	return nil
}

// keySeparator joins a namespace and an identifier in flat key encodings.
const keySeparator = "\x1f"

// Key identifies a cache entry: an identifier unique within its namespace.
type Key struct {
	Namespace Namespace
	ID        string
}

// NewKey returns the Key for id in the namespace built from segments.
func NewKey(id string, namespace ...string) Key {
	return Key{Namespace: NewNamespace(namespace...), ID: id}
}

// Validate checks the key can be stored by every engine.
func (k Key) Validate() error {
	if k.ID == "" {
		return errors.Wrap(ErrInvalidKey, "empty identifier")
	}
	if strings.Contains(k.ID, keySeparator) {
		return errors.Wrapf(ErrInvalidKey, "identifier %q contains the key separator", k.ID)
	}
	return k.Namespace.Validate()
}

// Flat encodes the key as a single string, used by engines with a flat keyspace.
func (k Key) Flat() string {
	if k.Namespace == "" {
		return k.ID
	}
	return string(k.Namespace) + keySeparator + k.ID
}

func (k Key) String() string {
	if k.Namespace == "" {
		return k.ID
	}
	return string(k.Namespace) + ":" + k.ID
}

// PatternSeparator delimits the parts of an identifier matched by a single '*'.
const PatternSeparator = ":"

// CompilePattern turns an identifier pattern into an anchored regular
// expression. '*' matches one or more characters other than ':' and '**'
// matches any run of characters, everything else is literal.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	expr, err := patternExpr(pattern)
	if err != nil {
		return nil, err
	}
	return regexp.Compile("^" + expr + "$")
}

func patternExpr(pattern string) (string, error) {
	if pattern == "" {
		return "", errors.Wrap(ErrInvalidKey, "empty pattern")
	}
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `\*\*`, `.+?`)
	quoted = strings.ReplaceAll(quoted, `\*`, `[^`+regexp.QuoteMeta(PatternSeparator)+`]+`)
	return quoted, nil
}
