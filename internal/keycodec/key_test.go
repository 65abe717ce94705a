package keycodec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse_Component(t *testing.T) {
	k, err := Parse("component:react:button")
	require.NoError(t, err)
	require.Equal(t, KindComponent, k.Kind)
	require.Equal(t, "react", k.Framework)
	require.Equal(t, "button", k.Name)
	require.True(t, k.StructuredRouted())
}

func TestParse_ComponentWithSub(t *testing.T) {
	k, err := Parse("block:react:login-01:files/index.tsx")
	require.NoError(t, err)
	require.Equal(t, KindBlock, k.Kind)
	require.Equal(t, "login-01", k.Name)
	require.Equal(t, "files/index.tsx", k.Sub)
}

func TestParse_MetadataAndDirectory(t *testing.T) {
	meta, err := Parse("metadata:styles.json")
	require.NoError(t, err)
	require.Equal(t, KindMetadata, meta.Kind)
	require.Equal(t, "styles.json", meta.Sub)
	require.False(t, meta.StructuredRouted())

	dir, err := Parse("directory:react/ui")
	require.NoError(t, err)
	require.Equal(t, KindDirectory, dir.Kind)
	require.Equal(t, "react/ui", dir.Sub)
}

func TestParse_UnknownShapeIsKindOther(t *testing.T) {
	k, err := Parse("arbitrary-opaque-key")
	require.NoError(t, err)
	require.Equal(t, KindOther, k.Kind)
}

func TestParse_RejectsEmptyKey(t *testing.T) {
	_, err := Parse("")
	require.Error(t, err)
}

func TestParse_RejectsOverlongKey(t *testing.T) {
	_, err := Parse("component:react:" + strings.Repeat("a", MaxKeyLength))
	require.Error(t, err)
}

func TestParse_RejectsControlCharacters(t *testing.T) {
	_, err := Parse("component:react:but\x00ton")
	require.Error(t, err)
}

func TestParse_ComponentRequiresFrameworkAndName(t *testing.T) {
	_, err := Parse("component::button")
	require.Error(t, err)
}

func TestBuildAndBuildSub(t *testing.T) {
	require.Equal(t, "component:react:button", Build(KindComponent, "react", "button"))
	require.Equal(t, "block:react:hero:files/a.tsx", BuildSub(KindBlock, "react", "hero", "files/a.tsx"))
	require.Equal(t, "block:react:hero", BuildSub(KindBlock, "react", "hero", ""))
}
