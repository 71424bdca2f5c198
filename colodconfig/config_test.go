package colodconfig_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/colodha/colod/colodconfig"
)

func TestValidateInstanceNameRejectsEmpty(t *testing.T) {
	require.Error(t, colodconfig.ValidateInstanceName(""))
}

func TestValidateInstanceNameRejectsTooLong(t *testing.T) {
	require.Error(t, colodconfig.ValidateInstanceName(strings.Repeat("a", 200)))
}

func TestValidateInstanceNameRejectsNonASCII(t *testing.T) {
	require.Error(t, colodconfig.ValidateInstanceName("café"))
}

func TestValidateInstanceNameAcceptsOrdinaryName(t *testing.T) {
	require.NoError(t, colodconfig.ValidateInstanceName("colo-prod-01"))
}

func TestParseArgsDerivesPaths(t *testing.T) {
	cfg, err := colodconfig.ParseArgs([]string{"node-a", "colo-prod-01", "/run/qemu/qmp.sock"}, "/var/lib/colod", false)
	require.NoError(t, err)

	require.Equal(t, "node-a", cfg.NodeName)
	require.Equal(t, "colo-prod-01", cfg.InstanceName)
	require.Equal(t, "/var/lib/colod/colod.sock", cfg.ControlSocket())
	require.Equal(t, "/var/lib/colod/qmp-yank.sock", cfg.QMPYankSocket())
	require.Equal(t, "/var/lib/colod/colod.pid", cfg.PidFile())
}

func TestParseArgsRejectsWrongArgCount(t *testing.T) {
	_, err := colodconfig.ParseArgs([]string{"only-one"}, "/var/lib/colod", false)
	require.Error(t, err)
}

func TestParseArgsRequiresBaseDir(t *testing.T) {
	_, err := colodconfig.ParseArgs([]string{"node-a", "colo-prod-01", "/run/qemu/qmp.sock"}, "", false)
	require.Error(t, err)
}

func TestParseArgsRejectsBadInstanceName(t *testing.T) {
	_, err := colodconfig.ParseArgs([]string{"node-a", "", "/run/qemu/qmp.sock"}, "/var/lib/colod", false)
	require.Error(t, err)
}
