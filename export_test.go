package ouroborosvault

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportAndOpen(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupStoreForTest(t)
	defer cleanup()

	personal, err := store.CreateVault(ctx, "Personal")
	require.NoError(t, err)
	_, err = personal.CreateItem(ctx, ItemOverview{Name: "GitHub", Site: "github.com"}, ItemData{Secret: "s3cr3t"})
	require.NoError(t, err)
	_, err = store.CreateVault(ctx, "Empty")
	require.NoError(t, err)

	bundle, err := store.Export(ctx, []byte("export-passphrase"))
	require.NoError(t, err)
	assert.NotContains(t, string(bundle), "s3cr3t")
	assert.NotContains(t, string(bundle), "GitHub")

	var decoded ExportBundle
	require.NoError(t, json.Unmarshal(bundle, &decoded))
	assert.Equal(t, exportVersion, decoded.Version)
	assert.Equal(t, testKDF, decoded.KDF)

	profile, err := OpenExport(bundle, []byte("export-passphrase"))
	require.NoError(t, err)
	assert.Equal(t, "alice", profile.Name)
	require.Len(t, profile.Vaults, 2)
	assert.Equal(t, "Personal", profile.Vaults[0].Name)
	require.Len(t, profile.Vaults[0].Items, 1)
	assert.Equal(t, "GitHub", profile.Vaults[0].Items[0].Overview.Name)
	assert.Equal(t, "s3cr3t", profile.Vaults[0].Items[0].Data.Secret)
	assert.Equal(t, "Empty", profile.Vaults[1].Name)
	assert.Empty(t, profile.Vaults[1].Items)
}

func TestOpenExportWrongPassphrase(t *testing.T) {
	store, cleanup := setupStoreForTest(t)
	defer cleanup()

	bundle, err := store.Export(context.Background(), []byte("export-passphrase"))
	require.NoError(t, err)

	_, err = OpenExport(bundle, []byte("guess"))
	assert.ErrorIs(t, err, ErrIncorrectPassword)
	_, err = OpenExport([]byte("{not json"), []byte("export-passphrase"))
	assert.Error(t, err)
}

func TestOpenExportRejectsUnknownVersion(t *testing.T) {
	store, cleanup := setupStoreForTest(t)
	defer cleanup()

	bundle, err := store.Export(context.Background(), []byte("export-passphrase"))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(bundle, &decoded))
	decoded["version"] = exportVersion + 1
	changed, err := json.Marshal(decoded)
	require.NoError(t, err)

	_, err = OpenExport(changed, []byte("export-passphrase"))
	assert.ErrorContains(t, err, "unsupported export version")
}
