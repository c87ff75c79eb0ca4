package ouroborosvault

import (
	"errors"
	"fmt"
	"os"

	"github.com/i5heu/ouroboros-vault/pkg/crypt"
	"github.com/i5heu/ouroboros-vault/pkg/spaceInformations"
	"github.com/sirupsen/logrus"
)

const defaultTransactionRetries = 3

type Config struct {
	Path               string          // Directory of the database
	InMemory           bool            // Keep everything in memory, Path is ignored
	MinimumFreeSpace   int             // Minimum free space in GB on the filesystem holding Path
	Logger             *logrus.Logger  // Defaults to logrus.New()
	KDF                crypt.KDFParams // Argon2id parameters for new profiles and password changes
	TransactionRetries int             // How often a conflicting transaction is re-run, defaults to 3
	SyncWrites         bool            // fsync every commit
}

func (c *Config) checkConfig() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}

	if c.KDF.IsZero() {
		c.KDF = crypt.DefaultKDFParams()
	} else if err := c.KDF.Validate(); err != nil {
		return err
	}

	switch {
	case c.TransactionRetries == 0:
		c.TransactionRetries = defaultTransactionRetries
	case c.TransactionRetries < 0:
		return fmt.Errorf("transaction retries must not be negative, got %d", c.TransactionRetries)
	}

	if c.InMemory {
		return nil
	}

	if c.Path == "" {
		return errors.New("no path provided in configuration")
	}

	info, err := os.Stat(c.Path)
	switch {
	case err == nil && !info.IsDir():
		return fmt.Errorf("path %s is not a directory", c.Path)
	case os.IsNotExist(err):
		if err := os.MkdirAll(c.Path, 0o700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", c.Path, err)
		}
	case err != nil:
		return fmt.Errorf("failed to stat %s: %w", c.Path, err)
	}

	if c.MinimumFreeSpace < 0 {
		return fmt.Errorf("minimum free space must not be negative, got %d", c.MinimumFreeSpace)
	}
	if c.MinimumFreeSpace > 0 {
		free, err := spaceInformations.FreeSpace(c.Path)
		if err != nil {
			return fmt.Errorf("failed to check free space: %w", err)
		}
		if free < float64(c.MinimumFreeSpace) {
			return fmt.Errorf("not enough free space on %s: %.2f GB free, %d GB required", c.Path, free, c.MinimumFreeSpace)
		}
	}

	return nil
}
