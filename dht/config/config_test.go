package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	o := Default()
	o.Subvolumes = []string{"a", "b"}
	assert.NoError(t, o.Validate())
}

func TestValidateRejectsEmptySubvolumes(t *testing.T) {
	o := Default()
	assert.Error(t, o.Validate())
}

func TestValidateRejectsBadSpread(t *testing.T) {
	o := Default()
	o.Subvolumes = []string{"a", "b"}
	o.DirectoryLayoutSpread = 5
	assert.Error(t, o.Validate())
}

func TestLoadOverlaysYAMLOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.yaml")
	contents := "subvolumes: [a, b, c]\nmin-free-disk: 20\npolicy: nufa\nnufa-local-subvol: b\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	o, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, o.Subvolumes)
	assert.Equal(t, 20.0, o.MinFreeDisk)
	assert.Equal(t, "nufa", o.Policy)
	assert.Equal(t, "b", o.NUFALocalSubvol)
	assert.Equal(t, true, o.UseReaddirp, "unset fields keep their Default() value")
}

func TestParseDecommissionedBricks(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, ParseDecommissionedBricks(" a, b "))
	assert.Nil(t, ParseDecommissionedBricks(""))
}

func TestParseMinFreePercent(t *testing.T) {
	v, isBytes, err := ParseMinFree("10%")
	require.NoError(t, err)
	assert.Equal(t, 10.0, v)
	assert.False(t, isBytes)
}

func TestParseMinFreeBytesSuffix(t *testing.T) {
	v, isBytes, err := ParseMinFree("100GB")
	require.NoError(t, err)
	assert.True(t, isBytes)
	assert.Equal(t, 100*float64(1<<30), v)
}
