package builtins

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackageManagerInstallWithoutConfirmIsPreviewOnly(t *testing.T) {
	pm := PackageManager{DefaultManager: "pacman"}
	res, err := pm.Execute(context.Background(), []byte(`{"action": "install", "package": "docker", "confirm": false}`))
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.False(t, res.IsError)
	assert.Contains(t, res.Text(), "sudo pacman -S docker --noconfirm")
	assert.Contains(t, res.Text(), "not executed")
}

func TestPackageManagerSystemWideUpdateIsTreatedAsDestructive(t *testing.T) {
	pm := PackageManager{DefaultManager: "pacman"}
	res, err := pm.Execute(context.Background(), []byte(`{"action": "update"}`))
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.False(t, res.IsError)
	assert.Contains(t, res.Text(), "sudo pacman -Syu --noconfirm")
	assert.Contains(t, res.Text(), "not executed")
}

func TestPackageManagerSearchRequiresPackageName(t *testing.T) {
	pm := PackageManager{}
	res, err := pm.Execute(context.Background(), []byte(`{"action": "search"}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestBuildPackageArgvInstall(t *testing.T) {
	argv, sudo, err := buildPackageArgv("pacman", "install", "docker")
	require.NoError(t, err)
	assert.True(t, sudo)
	assert.Equal(t, []string{"pacman", "-S", "docker", "--noconfirm"}, argv)
}

func TestBuildPackageArgvUnknownAction(t *testing.T) {
	_, _, err := buildPackageArgv("pacman", "bogus", "")
	assert.Error(t, err)
}
