package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/repobench/internal/config"
)

func writeKeyPair(t *testing.T, dir, name string) string {
	t.Helper()
	priv := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(priv, []byte("private"), 0o600))
	require.NoError(t, os.WriteFile(priv+".pub", []byte("public"), 0o644))
	return priv
}

func TestBuildSpecsCommandsOuterRepositoriesInner(t *testing.T) {
	specs := BuildSpecs(commands("x", "y"), repos("r1", "r2"), "")
	require.Len(t, specs, 4)

	got := make([]string, len(specs))
	for i, s := range specs {
		assert.Equal(t, i, s.Index)
		got[i] = s.Label + "@" + s.RepositoryURL
	}
	assert.Equal(t, []string{"x@r1", "x@r2", "y@r1", "y@r2"}, got)
	assert.Equal(t, config.Argv("make", "bench"), specs[0].Run)
	assert.Len(t, specs[3].Prepare, 1)
}

func TestBuildSpecsEmptyInputs(t *testing.T) {
	assert.Empty(t, BuildSpecs(nil, repos("r1"), ""))
	assert.Empty(t, BuildSpecs(commands("x"), nil, ""))
}

func TestBuildSpecsRepositoryKeyOverridesGlobal(t *testing.T) {
	dir := t.TempDir()
	global := writeKeyPair(t, dir, "global")
	own := writeKeyPair(t, dir, "own")

	rs := []config.Repository{
		{URL: "git@host:a.git"},
		{URL: "git@host:b.git", SSHKey: own},
	}
	specs := BuildSpecs(commands("x", "y"), rs, global)

	for _, s := range specs {
		require.NoError(t, s.CredentialErr)
		switch s.RepositoryURL {
		case "git@host:a.git":
			require.NotNil(t, s.Credential)
			assert.Equal(t, global, s.Credential.PrivateKey)
		case "git@host:b.git":
			require.NotNil(t, s.Credential)
			assert.Equal(t, own, s.Credential.PrivateKey)
			assert.Equal(t, own+".pub", s.Credential.PublicKey)
		}
	}
	assert.Same(t, specs[1].Credential, specs[3].Credential, "key pair resolved once per repository")
	assert.Same(t, specs[0].Credential, specs[2].Credential, "global key pair shared")
}

func TestBuildSpecsMissingRepositoryKey(t *testing.T) {
	rs := []config.Repository{
		{URL: "git@host:a.git", SSHKey: filepath.Join(t.TempDir(), "absent")},
		{URL: "https://host/b.git"},
	}
	specs := BuildSpecs(commands("x"), rs, "")
	require.Len(t, specs, 2)

	require.Error(t, specs[0].CredentialErr)
	assert.Contains(t, specs[0].CredentialErr.Error(), "repositories[0] ssh_key")
	assert.Nil(t, specs[0].Credential)
	assert.NoError(t, specs[1].CredentialErr)
	assert.Nil(t, specs[1].Credential)
}

func TestBuildSpecsMissingGlobalKey(t *testing.T) {
	dir := t.TempDir()
	own := writeKeyPair(t, dir, "own")
	rs := []config.Repository{
		{URL: "git@host:a.git"},
		{URL: "git@host:b.git", SSHKey: own},
	}
	specs := BuildSpecs(commands("x"), rs, filepath.Join(dir, "absent"))
	require.Len(t, specs, 2)

	require.Error(t, specs[0].CredentialErr)
	assert.Contains(t, specs[0].CredentialErr.Error(), "ssh_key")
	assert.NoError(t, specs[1].CredentialErr, "repository key overrides a broken global key")
	require.NotNil(t, specs[1].Credential)
}
