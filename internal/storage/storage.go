package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

const (
	// Key prefixes for the different record types in BadgerDB
	SequencePrefix  = "seq:"        // seq:<kind> -> last assigned id
	KeyPrefix       = "key:"        // key:<id> -> KeyRecord
	ProfileKey      = "profile"     // singleton ProfileRecord
	VaultPrefix     = "vault:"      // vault:<id> -> VaultRecord
	ItemPrefix      = "item:"       // item:<id> -> ItemRecord
	VaultItemPrefix = "vault_item:" // vault_item:<vault id>:<item id> -> empty
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	ErrConflict      = errors.New("transaction conflict")
)

// Options configures how the database is opened.
type Options struct {
	Path       string
	InMemory   bool
	SyncWrites bool
	Retries    int // how often a conflicting transaction is re-run
	Logger     *logrus.Logger
}

// Repository is the badger backed store for key, profile, vault and item rows.
type Repository struct {
	db      *badger.DB
	retries int
	log     *logrus.Logger
}

func Open(opts Options) (*Repository, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Retries < 0 {
		return nil, fmt.Errorf("retries must not be negative, got %d", opts.Retries)
	}

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, fmt.Errorf("no path provided for the database")
		}
		bopts = badger.DefaultOptions(opts.Path)
		bopts.ValueLogFileSize = 1024 * 1024 * 100 // Set max size of each value log file to 100MB
	}
	bopts.Logger = nil
	bopts.SyncWrites = opts.SyncWrites

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Repository{db: db, retries: opts.Retries, log: opts.Logger}, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

// Update runs fn in a read-write transaction and commits when fn returns nil. A conflicting
// commit discards the transaction and runs fn again, so fn must build all of its state from
// scratch on every call. Cancelling ctx discards the transaction before commit.
func (r *Repository) Update(ctx context.Context, fn func(*Txn) error) error {
	for attempt := 0; attempt <= r.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := r.runUpdate(ctx, fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		r.log.Debugf("Transaction conflict, retrying (attempt %d of %d)", attempt+1, r.retries+1)
	}
	return ErrConflict
}

func (r *Repository) runUpdate(ctx context.Context, fn func(*Txn) error) error {
	txn := r.db.NewTransaction(true)
	defer txn.Discard()

	if err := fn(&Txn{txn: txn}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return txn.Commit()
}

// View runs fn in a read-only transaction.
func (r *Repository) View(ctx context.Context, fn func(*Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := r.db.NewTransaction(false)
	defer txn.Discard()
	return fn(&Txn{txn: txn, readOnly: true})
}
