package ouroborosvault

import (
	"context"
	"sync"
	"testing"

	"github.com/i5heu/ouroboros-vault/internal/storage"
	"github.com/i5heu/ouroboros-vault/pkg/crypt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var github = ItemOverview{Name: "GitHub", Site: "github.com"}

func TestVaultAndItemRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupStoreForTest(t)
	defer cleanup()

	vault, err := store.CreateVault(ctx, "Personal")
	require.NoError(t, err)
	assert.Equal(t, "Personal", vault.Name())

	created, err := vault.CreateItem(ctx, github, ItemData{Secret: "s3cr3t"})
	require.NoError(t, err)
	assert.Equal(t, vault.ID(), created.VaultID())

	require.NoError(t, store.Lock())
	require.NoError(t, store.Unlock(ctx, []byte(testPassword)))

	items, err := vault.ListItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, created.ID(), items[0].ID())
	assert.Equal(t, github, items[0].Overview())

	item, err := vault.GetItem(ctx, created.ID())
	require.NoError(t, err)
	assert.Equal(t, github, item.Overview())
	assert.Equal(t, "s3cr3t", item.Data().Secret)
}

func TestVaultHandleSurvivesRelock(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupStoreForTest(t)
	defer cleanup()

	created, err := store.CreateVault(ctx, "Personal")
	require.NoError(t, err)
	require.NoError(t, store.Lock())

	vaults, err := store.ListVaults(ctx)
	require.NoError(t, err)
	require.Len(t, vaults, 1)
	assert.Equal(t, VaultPreview{ID: created.ID(), Name: "Personal"}, vaults[0])

	vault, err := store.GetVault(ctx, created.ID())
	require.NoError(t, err)
	_, err = vault.CreateItem(ctx, github, ItemData{Secret: "s3cr3t"})
	assert.ErrorIs(t, err, ErrLocked)
	_, err = vault.GetItem(ctx, 1)
	assert.Error(t, err)
	assert.ErrorIs(t, vault.DeleteItem(ctx, 1), ErrLocked)

	require.NoError(t, store.Unlock(ctx, []byte(testPassword)))
	_, err = vault.CreateItem(ctx, github, ItemData{Secret: "s3cr3t"})
	require.NoError(t, err)
}

func TestOperationsRequireUnlock(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupStoreForTest(t)
	defer cleanup()

	vault, err := store.CreateVault(ctx, "Personal")
	require.NoError(t, err)
	_, err = vault.CreateItem(ctx, github, ItemData{Secret: "s3cr3t"})
	require.NoError(t, err)
	require.NoError(t, store.Lock())

	_, err = store.CreateVault(ctx, "Work")
	assert.ErrorIs(t, err, ErrLocked)
	_, err = vault.ListItems(ctx)
	assert.ErrorIs(t, err, ErrLocked)
	_, err = store.Export(ctx, []byte("passphrase"))
	assert.ErrorIs(t, err, ErrLocked)
}

func TestGetVaultNotFound(t *testing.T) {
	store, cleanup := setupStoreForTest(t)
	defer cleanup()

	_, err := store.GetVault(context.Background(), 42)
	assert.ErrorIs(t, err, ErrVaultNotFound)
}

func TestItemsAreScopedToTheirVault(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupStoreForTest(t)
	defer cleanup()

	personal, err := store.CreateVault(ctx, "Personal")
	require.NoError(t, err)
	work, err := store.CreateVault(ctx, "Work")
	require.NoError(t, err)

	item, err := work.CreateItem(ctx, github, ItemData{Secret: "s3cr3t"})
	require.NoError(t, err)

	_, err = personal.GetItem(ctx, item.ID())
	assert.ErrorIs(t, err, ErrItemNotFound)
	assert.ErrorIs(t, personal.DeleteItem(ctx, item.ID()), ErrItemNotFound)

	items, err := personal.ListItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestItemHalvesUseIndependentKeys(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	store := newTestStore(t, repo)
	require.NoError(t, store.InitializeProfile(ctx, "alice", []byte(testPassword)))

	vault, err := store.CreateVault(ctx, "Personal")
	require.NoError(t, err)
	item, err := vault.CreateItem(ctx, github, ItemData{Secret: "s3cr3t"})
	require.NoError(t, err)

	require.NoError(t, repo.View(ctx, func(tx Tx) error {
		record, err := tx.FindItem(item.ID())
		require.NoError(t, err)
		assert.NotEqual(t, record.OverviewKeyID, record.DataKeyID)
		assert.NotContains(t, string(record.Data), "s3cr3t")

		vaultKey, err := vault.key.unwrap(tx)
		require.NoError(t, err)
		defer vaultKey.Lock()

		_, err = openPayload[ItemData](tx, vaultKey, record.OverviewKeyID, record.Data)
		assert.ErrorIs(t, err, crypt.ErrKeyMismatch)

		data, err := openPayload[ItemData](tx, vaultKey, record.DataKeyID, record.Data)
		require.NoError(t, err)
		assert.Equal(t, "s3cr3t", data.Secret)
		return nil
	}))
}

func TestCreateItemIsAtomic(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	store := newTestStore(t, repo)
	require.NoError(t, store.InitializeProfile(ctx, "alice", []byte(testPassword)))
	vault, err := store.CreateVault(ctx, "Personal")
	require.NoError(t, err)
	before := keyCount(t, repo)

	failing := newTestStore(t, hookedRepository{Repository: repo, wrap: func(tx Tx) Tx { return failingItemTx{tx} }})
	require.NoError(t, failing.Unlock(ctx, []byte(testPassword)))
	failingVault, err := failing.GetVault(ctx, vault.ID())
	require.NoError(t, err)

	_, err = failingVault.CreateItem(ctx, github, ItemData{Secret: "s3cr3t"})
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, before, keyCount(t, repo), "item keys must be rolled back with the item")
}

func TestUpdateItemAdvancesNonces(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	store := newTestStore(t, repo)
	require.NoError(t, store.InitializeProfile(ctx, "alice", []byte(testPassword)))

	vault, err := store.CreateVault(ctx, "Personal")
	require.NoError(t, err)
	item, err := vault.CreateItem(ctx, github, ItemData{Secret: "s3cr3t"})
	require.NoError(t, err)

	state := func() (crypt.NonceCounter, crypt.Nonce) {
		var next crypt.NonceCounter
		var used crypt.Nonce
		require.NoError(t, repo.View(ctx, func(tx Tx) error {
			record, err := tx.FindItem(item.ID())
			require.NoError(t, err)
			key, err := tx.FindKey(record.DataKeyID)
			require.NoError(t, err)
			next, err = crypt.NewNonceCounter(key.NextNonce)
			require.NoError(t, err)
			enc, err := crypt.UnmarshalCiphertext[ItemData](record.Data)
			require.NoError(t, err)
			used = enc.Nonce
			return nil
		}))
		return next, used
	}

	nextBefore, usedBefore := state()
	updated, err := vault.UpdateItem(ctx, item.ID(), ItemOverview{Name: "GitHub", Site: "github.com/login"}, ItemData{Secret: "n3w"})
	require.NoError(t, err)
	assert.Equal(t, "n3w", updated.Data().Secret)

	nextAfter, usedAfter := state()
	assert.Equal(t, 1, nextAfter.Compare(nextBefore), "the stored nonce position must move forward")
	assert.NotEqual(t, usedBefore, usedAfter)
	assert.Equal(t, nextBefore.Value(), usedAfter, "the update seals under the persisted position")

	got, err := vault.GetItem(ctx, item.ID())
	require.NoError(t, err)
	assert.Equal(t, "github.com/login", got.Overview().Site)
	assert.Equal(t, "n3w", got.Data().Secret)

	_, err = vault.UpdateItem(ctx, 999, github, ItemData{})
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestDeleteItemRemovesKeys(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	store := newTestStore(t, repo)
	require.NoError(t, store.InitializeProfile(ctx, "alice", []byte(testPassword)))

	vault, err := store.CreateVault(ctx, "Personal")
	require.NoError(t, err)
	keep, err := vault.CreateItem(ctx, ItemOverview{Name: "Mail"}, ItemData{Secret: "keep"})
	require.NoError(t, err)
	item, err := vault.CreateItem(ctx, github, ItemData{Secret: "s3cr3t"})
	require.NoError(t, err)

	var keyIDs []int64
	require.NoError(t, repo.View(ctx, func(tx Tx) error {
		record, err := tx.FindItem(item.ID())
		keyIDs = record.KeyIDs()
		return err
	}))

	require.NoError(t, vault.DeleteItem(ctx, item.ID()))
	_, err = vault.GetItem(ctx, item.ID())
	assert.ErrorIs(t, err, ErrItemNotFound)
	assert.ErrorIs(t, vault.DeleteItem(ctx, item.ID()), ErrItemNotFound)

	require.NoError(t, repo.View(ctx, func(tx Tx) error {
		for _, id := range keyIDs {
			_, err := tx.FindKey(id)
			assert.ErrorIs(t, err, storage.ErrNotFound)
		}
		return nil
	}))

	items, err := vault.ListItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, keep.ID(), items[0].ID())
}

func TestTamperedVaultRecord(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	store := newTestStore(t, repo)
	require.NoError(t, store.InitializeProfile(ctx, "alice", []byte(testPassword)))
	vault, err := store.CreateVault(ctx, "Personal")
	require.NoError(t, err)
	_, err = vault.CreateItem(ctx, github, ItemData{Secret: "s3cr3t"})
	require.NoError(t, err)

	tampered := newTestStore(t, hookedRepository{Repository: repo, wrap: func(tx Tx) Tx { return renamingVaultTx{tx} }})
	require.NoError(t, tampered.Unlock(ctx, []byte(testPassword)))

	renamed, err := tampered.GetVault(ctx, vault.ID())
	require.NoError(t, err)
	assert.Equal(t, "Renamed", renamed.Name())

	_, err = renamed.ListItems(ctx)
	assert.ErrorIs(t, err, ErrRecordTampered)
	_, err = renamed.CreateItem(ctx, github, ItemData{Secret: "s3cr3t"})
	assert.ErrorIs(t, err, ErrRecordTampered)
}

func TestConcurrentItemCreation(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	store := newTestStore(t, repo)
	require.NoError(t, store.InitializeProfile(ctx, "alice", []byte(testPassword)))
	vault, err := store.CreateVault(ctx, "Personal")
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := vault.CreateItem(ctx, github, ItemData{Secret: "s3cr3t"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	items, err := vault.ListItems(ctx)
	require.NoError(t, err)
	assert.Len(t, items, workers)
	// master, vault key and two keys per item
	assert.Len(t, wrappingNonces(t, repo), 2+2*workers)
}
