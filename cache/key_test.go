package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamespace(t *testing.T) {
	ns := NewNamespace("app", "users")
	assert.Equal(t, Namespace("app/users"), ns)
	assert.Equal(t, []string{"app", "users"}, ns.Segments())
	assert.Nil(t, Namespace("").Segments())
	assert.Equal(t, Namespace("app/users/active"), ns.Child("active"))
	assert.Equal(t, Namespace("app"), Namespace("").Child("app"))

	assert.True(t, Namespace("").Contains(ns))
	assert.True(t, ns.Contains(ns))
	assert.True(t, Namespace("app").Contains(ns))
	assert.False(t, Namespace("ap").Contains(ns))
	assert.False(t, ns.Contains("app"))
}

func TestNamespaceValidate(t *testing.T) {
	for _, ns := range []Namespace{"", "a", "a/b/c", "with space", "dots.are.fine"} {
		assert.NoError(t, ns.Validate(), ns)
	}
	for _, ns := range []Namespace{"/a", "a/", "a//b", ".", "a/..", "a\\b", "a\x00", "a\x1fb"} {
		assert.ErrorIs(t, ns.Validate(), ErrInvalidKey, ns)
	}
}

func TestKey(t *testing.T) {
	key := NewKey("user:1", "app", "users")
	assert.Equal(t, "app/users\x1fuser:1", key.Flat())
	assert.Equal(t, "app/users:user:1", key.String())
	assert.NoError(t, key.Validate())

	root := NewKey("user:1")
	assert.Equal(t, "user:1", root.Flat())
	assert.Equal(t, "user:1", root.String())

	// keys are comparable and usable as map keys
	m := map[Key]int{key: 1, root: 2}
	assert.Equal(t, 1, m[NewKey("user:1", "app", "users")])

	assert.ErrorIs(t, NewKey("").Validate(), ErrInvalidKey)
	assert.ErrorIs(t, NewKey("a\x1fb").Validate(), ErrInvalidKey)
}

func TestCompilePattern(t *testing.T) {
	tests := []struct {
		pattern string
		match   []string
		noMatch []string
	}{
		{"user:*", []string{"user:1", "user:abc"}, []string{"user:", "user:1:profile", "xuser:1", "post:1"}},
		{"user:**", []string{"user:1", "user:1:profile"}, []string{"user:", "post:1"}},
		{"*:profile", []string{"user:profile"}, []string{"a:b:profile", ":profile"}},
		{"a.b", []string{"a.b"}, []string{"aXb", "a.bc"}},
		{"(x)+", []string{"(x)+"}, []string{"x", "xx"}},
		{"plain", []string{"plain"}, []string{"plain2", "Plain"}},
	}
	for _, tt := range tests {
		re, err := CompilePattern(tt.pattern)
		require.NoError(t, err, tt.pattern)
		for _, s := range tt.match {
			assert.True(t, re.MatchString(s), "%s should match %s", tt.pattern, s)
		}
		for _, s := range tt.noMatch {
			assert.False(t, re.MatchString(s), "%s should not match %s", tt.pattern, s)
		}
	}

	_, err := CompilePattern("")
	assert.ErrorIs(t, err, ErrInvalidKey)
}
