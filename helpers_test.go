package ouroborosvault

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/i5heu/ouroboros-vault/internal/storage"
	"github.com/i5heu/ouroboros-vault/internal/types"
	"github.com/i5heu/ouroboros-vault/pkg/crypt"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// Cheap Argon2 parameters so the tests stay fast.
var testKDF = crypt.KDFParams{Memory: 64, Iterations: 1, Parallelism: 1}

var errInjected = errors.New("injected failure")

const testPassword = "correct-horse"

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig() *Config {
	return &Config{InMemory: true, KDF: testKDF, Logger: quietLogger(), TransactionRetries: 50}
}

// newTestRepository returns an in-memory repository that is closed when the test ends.
func newTestRepository(t *testing.T) Repository {
	t.Helper()
	repo, err := storage.Open(storage.Options{InMemory: true, Retries: 50, Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return badgerRepository{repo: repo}
}

// newTestStore builds a store on repo. Closing the repository is left to newTestRepository.
func newTestStore(t *testing.T, repo Repository) *Store {
	t.Helper()
	store, err := New(repo, testConfig())
	require.NoError(t, err)
	return store
}

// setupStoreForTest returns an initialized, unlocked store.
func setupStoreForTest(t *testing.T) (*Store, func()) {
	t.Helper()
	store, err := Open(testConfig())
	require.NoError(t, err)
	require.NoError(t, store.InitializeProfile(context.Background(), "alice", []byte(testPassword)))
	return store, func() { _ = store.Close() }
}

// hookedRepository hands every transaction a wrapped Tx, to inject failures or tampering.
type hookedRepository struct {
	Repository
	wrap func(Tx) Tx
}

func (r hookedRepository) Transaction(ctx context.Context, fn func(Tx) error) error {
	return r.Repository.Transaction(ctx, func(tx Tx) error { return fn(r.wrap(tx)) })
}

func (r hookedRepository) View(ctx context.Context, fn func(Tx) error) error {
	return r.Repository.View(ctx, func(tx Tx) error { return fn(r.wrap(tx)) })
}

type failingVaultTx struct{ Tx }

func (failingVaultTx) StoreVault(string, int64, []byte) (types.VaultRecord, error) {
	return types.VaultRecord{}, errInjected
}

type failingItemTx struct{ Tx }

func (failingItemTx) StoreItem(int64, []byte, int64, []byte, int64) (types.ItemRecord, error) {
	return types.ItemRecord{}, errInjected
}

type failingProfileTx struct{ Tx }

func (failingProfileTx) UpdateProfile(types.ProfileRecord) error {
	return errInjected
}

type renamingVaultTx struct{ Tx }

func (t renamingVaultTx) FindVault(id int64) (types.VaultRecord, error) {
	record, err := t.Tx.FindVault(id)
	record.Name = "Renamed"
	return record, err
}

type corruptFirstKeyTx struct{ Tx }

func (t corruptFirstKeyTx) ListKeys() ([]types.KeyRecord, error) {
	keys, err := t.Tx.ListKeys()
	if len(keys) > 0 {
		keys[0].Blob = append([]byte(" "), keys[0].Blob...)
	}
	return keys, err
}

// keyCount returns the number of key rows in repo.
func keyCount(t *testing.T, repo Repository) int {
	t.Helper()
	var n int
	require.NoError(t, repo.View(context.Background(), func(tx Tx) error {
		keys, err := tx.ListKeys()
		n = len(keys)
		return err
	}))
	return n
}
