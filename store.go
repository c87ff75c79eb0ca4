package ouroborosvault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-vault/internal/storage"
	"github.com/i5heu/ouroboros-vault/internal/types"
	"github.com/i5heu/ouroboros-vault/pkg/crypt"
	"github.com/i5heu/ouroboros-vault/pkg/spaceInformations"
	"github.com/sirupsen/logrus"
)

// Store owns the database and the master key of one profile. The master key is loaded lazily
// and shared by pointer with every Vault handed out, so locking the store locks all of them.
type Store struct {
	repo   Repository
	config Config
	log    *logrus.Logger

	mu      sync.Mutex // guards profile and master
	profile *types.ProfileRecord
	master  *crypt.SecureKey
}

// Profile describes the owner of a store.
type Profile struct {
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Open opens (or creates) the badger database described by config.
func Open(config *Config) (*Store, error) {
	if err := config.checkConfig(); err != nil {
		return nil, fmt.Errorf("error checking config for vault store: %w", err)
	}

	repo, err := storage.Open(storage.Options{
		Path:       config.Path,
		InMemory:   config.InMemory,
		SyncWrites: config.SyncWrites,
		Retries:    config.TransactionRetries,
		Logger:     config.Logger,
	})
	if err != nil {
		config.Logger.WithError(err).Error("Failed to open database")
		return nil, err
	}

	if !config.InMemory {
		if err := spaceInformations.DisplayDiskUsage(config.Logger, config.Path); err != nil {
			config.Logger.WithError(err).Warn("Could not display disk usage")
		}
	}

	return newStore(badgerRepository{repo: repo}, *config), nil
}

// New builds a store on top of an existing repository.
func New(repo Repository, config *Config) (*Store, error) {
	if config == nil {
		config = &Config{InMemory: true}
	}
	if err := config.checkConfig(); err != nil {
		return nil, fmt.Errorf("error checking config for vault store: %w", err)
	}
	return newStore(repo, *config), nil
}

func newStore(repo Repository, config Config) *Store {
	return &Store{repo: repo, config: config, log: config.Logger}
}

// Close locks the store and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.master != nil && !s.master.IsLocked() {
		_ = s.master.Lock()
	}
	s.mu.Unlock()
	return s.repo.Close()
}

// lockedError maps the lock state errors of the crypt package onto the store's own.
func lockedError(err error) error {
	if errors.Is(err, crypt.ErrLocked) && !errors.Is(err, ErrLocked) {
		return fmt.Errorf("%w: %w", ErrLocked, err)
	}
	return err
}

func (s *Store) kdf(profile types.ProfileRecord) crypt.KDFParams {
	if profile.KDF.IsZero() {
		return s.config.KDF
	}
	return profile.KDF
}

// load fetches the profile and the wrapped master key unless they are cached. s.mu must be held.
func (s *Store) load(ctx context.Context) (types.ProfileRecord, *crypt.SecureKey, error) {
	if s.profile != nil {
		return *s.profile, s.master, nil
	}

	var profile types.ProfileRecord
	var master *crypt.EncryptedKey
	err := s.repo.View(ctx, func(tx Tx) error {
		var err error
		profile, err = tx.GetProfile()
		if errors.Is(err, storage.ErrNotFound) {
			return ErrStoreNotInitialized
		}
		if err != nil {
			return err
		}
		record, err := tx.FindKey(profile.MasterKeyID)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("master key %d: %w", profile.MasterKeyID, ErrKeyDoesNotExist)
		}
		if err != nil {
			return err
		}
		master, err = crypt.UnmarshalEncryptedKey(record.ID, record.Blob, record.NextNonce)
		return err
	})
	if err != nil {
		return types.ProfileRecord{}, nil, err
	}

	s.profile = &profile
	s.master = crypt.NewSecureKey(master)
	return profile, s.master, nil
}

// masterKey returns the shared master key, loading it if needed. It may be locked.
func (s *Store) masterKey(ctx context.Context) (*crypt.SecureKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, master, err := s.load(ctx)
	return master, err
}

// InitializeProfile creates the profile and its master key. The master key is wrapped under a
// KEK derived from password and stored together with the profile in one transaction. The
// store is left unlocked.
func (s *Store) InitializeProfile(ctx context.Context, name string, password []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.profile != nil {
		return ErrProfileAlreadyExists
	}

	salt, err := crypt.GenerateSalt()
	if err != nil {
		return err
	}
	kek, err := crypt.KeyFromPassword(password, salt, s.config.KDF)
	if err != nil {
		return fmt.Errorf("failed to derive key from password: %w", err)
	}
	defer kek.Destroy()

	var profile types.ProfileRecord
	var master *crypt.SecureKey
	discard := func() {
		if master != nil {
			_ = master.Lock()
			master = nil
		}
	}

	err = s.repo.Transaction(ctx, func(tx Tx) error {
		discard()

		if _, err := tx.GetProfile(); err == nil {
			return ErrProfileAlreadyExists
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		key := crypt.GenerateSymmetricKey(crypt.LocalIdentifier())
		wrapped, err := crypt.WrapKey(kek, key)
		if err != nil {
			key.Destroy()
			return fmt.Errorf("failed to wrap master key: %w", err)
		}
		if err := wrapped.Store(tx); err != nil {
			key.Destroy()
			return err
		}
		master = crypt.NewUnlockedSecureKey(wrapped, key)

		id, _ := wrapped.ID()
		profile, err = tx.StoreProfile(name, salt, id, s.config.KDF)
		if errors.Is(err, storage.ErrAlreadyExists) {
			return ErrProfileAlreadyExists
		}
		return err
	})
	if err != nil {
		discard()
		if !errors.Is(err, ErrProfileAlreadyExists) {
			s.log.WithError(err).Error("Failed to initialize profile")
		}
		return fmt.Errorf("failed to initialize profile: %w", err)
	}

	s.profile = &profile
	s.master = master
	s.log.WithField("master_key", profile.MasterKeyID).Debug("Successfully initialized profile")
	return nil
}

// Unlock derives the KEK from password and opens the master key with it.
func (s *Store) Unlock(ctx context.Context, password []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	profile, master, err := s.load(ctx)
	if err != nil {
		return err
	}
	if !master.IsLocked() {
		return ErrStoreAlreadyUnlocked
	}

	kek, err := crypt.KeyFromPassword(password, profile.Salt, s.kdf(profile))
	if err != nil {
		return fmt.Errorf("failed to derive key from password: %w", err)
	}
	defer kek.Destroy()

	if err := master.Unlock(kek); err != nil {
		return unlockError(err)
	}

	s.log.Debug("Successfully unlocked store")
	return nil
}

func unlockError(err error) error {
	switch {
	case errors.Is(err, crypt.ErrAlreadyUnlocked):
		return ErrStoreAlreadyUnlocked
	case errors.Is(err, crypt.ErrOperationFailed),
		errors.Is(err, crypt.ErrKeyMismatch),
		errors.Is(err, crypt.ErrSerialization):
		return ErrIncorrectPassword
	}
	return err
}

// Lock wipes the decrypted master key. Locking a locked store is an error.
func (s *Store) Lock() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.master == nil {
		return ErrLocked
	}
	if err := s.master.Lock(); err != nil {
		return lockedError(err)
	}
	s.log.Debug("Successfully locked store")
	return nil
}

func (s *Store) IsLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master == nil || s.master.IsLocked()
}

// Profile returns the stored profile.
func (s *Store) Profile(ctx context.Context) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	profile, _, err := s.load(ctx)
	if err != nil {
		return Profile{}, err
	}
	return Profile{
		Name:      profile.Name,
		CreatedAt: time.Unix(profile.CreatedAt, 0),
		UpdatedAt: time.Unix(profile.UpdatedAt, 0),
	}, nil
}

// ChangePassword re-wraps the master key under a KEK derived from newPassword and a fresh salt.
// The master key itself and everything wrapped under it stay untouched.
func (s *Store) ChangePassword(ctx context.Context, oldPassword, newPassword []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	profile, master, err := s.load(ctx)
	if err != nil {
		return err
	}

	oldKEK, err := crypt.KeyFromPassword(oldPassword, profile.Salt, s.kdf(profile))
	if err != nil {
		return fmt.Errorf("failed to derive key from password: %w", err)
	}
	defer oldKEK.Destroy()

	// A separate gate on the same wrapped key so the store's lock state does not matter.
	verified := crypt.NewSecureKey(master.EncryptedKey())
	if err := verified.Unlock(oldKEK); err != nil {
		return unlockError(err)
	}
	defer verified.Lock()

	salt, err := crypt.GenerateSalt()
	if err != nil {
		return err
	}
	newKEK, err := crypt.KeyFromPassword(newPassword, salt, s.config.KDF)
	if err != nil {
		return fmt.Errorf("failed to derive key from password: %w", err)
	}
	defer newKEK.Destroy()

	var rewrapped *crypt.EncryptedKey
	updated := profile
	err = s.repo.Transaction(ctx, func(tx Tx) error {
		var err error
		rewrapped, err = verified.Rewrap(newKEK)
		if err != nil {
			return fmt.Errorf("failed to re-wrap master key: %w", err)
		}
		blob, err := rewrapped.MarshalBlob()
		if err != nil {
			return err
		}
		if err := tx.UpdateKeyBlob(profile.MasterKeyID, blob); err != nil {
			return err
		}

		updated = profile
		updated.Salt = salt
		updated.KDF = s.config.KDF
		return tx.UpdateProfile(updated)
	})
	if err != nil {
		s.log.WithError(err).Error("Failed to change password")
		return fmt.Errorf("failed to change password: %w", err)
	}

	if err := master.Replace(rewrapped); err != nil {
		return err
	}
	s.profile = &updated
	s.log.Debug("Successfully changed password")
	return nil
}

// syncNonce catches key up with the nonce position persisted in its row. Reading the row
// also makes concurrent writers of the same key conflict.
func syncNonce(tx Tx, id int64, key *crypt.SecureKey) error {
	record, err := tx.FindKey(id)
	if err != nil {
		return fmt.Errorf("failed to read key %d: %w", id, err)
	}
	next, err := crypt.NewNonceCounter(record.NextNonce)
	if err != nil {
		return fmt.Errorf("key %d: %w", id, err)
	}
	key.AdvanceNonce(next.Value())
	return nil
}

// persistNonce writes the nonce position of key into its row. Every transaction that seals
// under a stored key calls this before commit.
func persistNonce(tx Tx, id int64, key *crypt.SecureKey) error {
	next, err := key.NextNonce()
	if err != nil {
		return lockedError(err)
	}
	if err := tx.AdvanceKeyNonce(id, next[:]); err != nil {
		return fmt.Errorf("failed to persist nonce of key %d: %w", id, err)
	}
	return nil
}
