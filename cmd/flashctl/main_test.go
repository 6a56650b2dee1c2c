package main

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"flashpool/core/types"
	"flashpool/crypto"
)

func TestParseScopes(t *testing.T) {
	scopes, err := parseScopes(" Admin, bot ,")
	require.NoError(t, err)
	require.Equal(t, []string{"admin", "bot"}, scopes)

	_, err = parseScopes("root")
	require.Error(t, err)
}

func TestReadManifestValidates(t *testing.T) {
	manifest, err := readManifest(strings.NewReader(`{"instructions":[{"kind":"get_loan","amount":"5","label":"a"},{"kind":"return_loan","amount":"5.05","label":"a"}]}`))
	require.NoError(t, err)
	require.Len(t, manifest.Instructions, 2)
	require.Equal(t, types.InstructionReturnLoan, manifest.Instructions[1].Kind)

	_, err = readManifest(strings.NewReader(`{"instructions":[{"kind":"get_loan","amount":"5"}]}`))
	require.Error(t, err)

	_, err = readManifest(strings.NewReader(`{"instructions":[],"bogus":true}`))
	require.Error(t, err)
}

func TestLoadAddressFromKeystore(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "op.keystore")
	addr, err := crypto.SaveToKeystore(path, key, "secret", crypto.LightKeystore)
	require.NoError(t, err)

	t.Setenv("FLASHCTL_TEST_PASS", "secret")
	loaded, err := loadAddress(path, "FLASHCTL_TEST_PASS")
	require.NoError(t, err)
	require.True(t, addr.Equal(loaded))
}
