package hostnames

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	require.Equal(t, "example.com", Normalize(" Example.COM. "))
	require.Equal(t, "xn--bcher-kva.example", Normalize("Bücher.example"))
	require.Equal(t, "", Normalize("   "))
}

func TestNormalizePattern(t *testing.T) {
	require.Equal(t, "*.example.com", NormalizePattern("*.Example.COM."))
	require.Equal(t, "*.xn--bcher-kva.example", NormalizePattern("*.bücher.example"))
	require.Equal(t, "", NormalizePattern("*."))
}

func TestWildcardValidationAndSuffix(t *testing.T) {
	require.True(t, IsWildcard("*.example.com"))
	require.True(t, IsValidWildcard("*.example.com"))
	require.False(t, IsValidWildcard("*.com"))
	require.False(t, IsValidWildcard("*.*.example.com"))
	require.False(t, IsValidWildcard("example.com"))
	sfx, ok := WildcardSuffix("*.Example.COM")
	require.True(t, ok)
	require.Equal(t, ".example.com", sfx)
}

func TestValidPattern(t *testing.T) {
	require.NoError(t, ValidPattern("example.com"))
	require.NoError(t, ValidPattern("*.example.com"))
	require.NoError(t, ValidPattern("localhost"))
	require.Error(t, ValidPattern(""))
	require.Error(t, ValidPattern("*.com"))
	require.Error(t, ValidPattern("a.*.example.com"))
	require.Error(t, ValidPattern("a..example.com"))
}

func TestFirstDotSuffix(t *testing.T) {
	sfx, ok := FirstDotSuffix("a.example.com")
	require.True(t, ok)
	require.Equal(t, ".example.com", sfx)

	_, ok = FirstDotSuffix("localhost")
	require.False(t, ok)
}
