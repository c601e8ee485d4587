package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeSourceBundle(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.st"), []byte("PROGRAM A END_PROGRAM"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.st"), []byte("PROGRAM B END_PROGRAM"), 0o644))
	return dir
}

func TestInitPublishListVerifyDownloadRoundTrip(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, Init(root, VisibilityPublic, ""))

	reg, _, settings, err := Open(root)
	require.NoError(t, err)

	src := writeSourceBundle(t)
	meta, err := reg.Publish(settings, "", "demo", "1.0.0", "demo-resource", 1, src)
	require.NoError(t, err)
	require.Len(t, meta.Files, 2)
	require.NotEmpty(t, meta.PackageSHA256)

	idx, err := reg.List(settings, "")
	require.NoError(t, err)
	require.Len(t, idx.Packages, 1)
	require.Equal(t, "demo", idx.Packages[0].Name)

	res, err := reg.Verify(settings, "", "demo", "1.0.0")
	require.NoError(t, err)
	require.True(t, res.OK)

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	_, err = reg.Download(settings, "", "demo", "1.0.0", dest, true)
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(dest, "a.st"))
}

func TestRepublishRefused(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, Init(root, VisibilityPublic, ""))
	reg, _, settings, err := Open(root)
	require.NoError(t, err)

	src := writeSourceBundle(t)
	_, err = reg.Publish(settings, "", "demo", "1.0.0", "demo-resource", 1, src)
	require.NoError(t, err)

	_, err = reg.Publish(settings, "", "demo", "1.0.0", "demo-resource", 1, src)
	require.Error(t, err)
}

func TestDownloadRefusesNonEmptyDestination(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, Init(root, VisibilityPublic, ""))
	reg, _, settings, err := Open(root)
	require.NoError(t, err)

	src := writeSourceBundle(t)
	_, err = reg.Publish(settings, "", "demo", "1.0.0", "demo-resource", 1, src)
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dest, "existing"), []byte("x"), 0o644))

	_, err = reg.Download(settings, "", "demo", "1.0.0", dest, false)
	require.Error(t, err)
}

func TestVerifyDetectsByteMutation(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, Init(root, VisibilityPublic, ""))
	reg, _, settings, err := Open(root)
	require.NoError(t, err)

	src := writeSourceBundle(t)
	_, err = reg.Publish(settings, "", "demo", "1.0.0", "demo-resource", 1, src)
	require.NoError(t, err)

	bundlePath := filepath.Join(root, "packages", "demo", "1.0.0", "bundle", "a.st")
	require.NoError(t, os.WriteFile(bundlePath, []byte("MUTATED"), 0o644))

	res, err := reg.Verify(settings, "", "demo", "1.0.0")
	require.NoError(t, err)
	require.False(t, res.OK)

	idx, err := reg.List(settings, "")
	require.NoError(t, err)
	require.Len(t, idx.Packages, 1, "list still succeeds after mutation")
}

func TestPrivateVisibilityRequiresToken(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, Init(root, VisibilityPrivate, "secret-token"))
	reg, _, settings, err := Open(root)
	require.NoError(t, err)

	src := writeSourceBundle(t)
	_, err = reg.Publish(settings, "wrong", "demo", "1.0.0", "demo-resource", 1, src)
	require.Error(t, err)

	_, err = reg.Publish(settings, "secret-token", "demo", "1.0.0", "demo-resource", 1, src)
	require.NoError(t, err)
}

func TestInvalidNameVersionRejected(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, Init(root, VisibilityPublic, ""))
	reg, _, settings, err := Open(root)
	require.NoError(t, err)

	src := writeSourceBundle(t)
	_, err = reg.Publish(settings, "", "bad name!", "1.0.0", "demo-resource", 1, src)
	require.Error(t, err)
}
