package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/awnumar/memguard"
	"github.com/fatih/color"
	ouroborosvault "github.com/i5heu/ouroboros-vault"
	"github.com/i5heu/ouroboros-vault/pkg/crypt"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	if err := newRootCmd(&cli{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("✗")+" "+err.Error())
		memguard.Purge()
		os.Exit(1)
	}
}

// cli holds the persistent flags and the state shared by all commands of one invocation.
type cli struct {
	path          string
	passwordStdin bool
	verbose       bool

	kdf   crypt.KDFParams // zero means library defaults
	stdin *bufio.Reader
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "vaultctl",
		Short:         "Manage an encrypted local credential vault",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	c.bindFlags(root.PersistentFlags())

	root.AddCommand(
		c.initCmd(),
		c.vaultCmd(),
		c.itemCmd(),
		c.passwdCmd(),
		c.exportCmd(),
		c.validateCmd(),
		c.keysCmd(),
	)
	return root
}

func (c *cli) bindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.path, "path", defaultPath(), "directory of the vault database")
	fs.BoolVar(&c.passwordStdin, "password-stdin", false, "read passwords and secrets from stdin, one per line")
	fs.BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")
}

func defaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ouroboros-vault"
	}
	return filepath.Join(home, ".ouroboros-vault")
}

func (c *cli) logger(cmd *cobra.Command) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(cmd.ErrOrStderr())
	logger.SetLevel(logrus.WarnLevel)
	if c.verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

func (c *cli) open(cmd *cobra.Command) (*ouroborosvault.Store, error) {
	store, err := ouroborosvault.Open(&ouroborosvault.Config{
		Path:   c.path,
		Logger: c.logger(cmd),
		KDF:    c.kdf,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open vault at %s: %w", c.path, err)
	}
	return store, nil
}

// readSecret reads one password or secret, either as a line from stdin or from the terminal
// without echo. The caller wipes the result.
func (c *cli) readSecret(cmd *cobra.Command, prompt string) ([]byte, error) {
	if c.passwordStdin {
		if c.stdin == nil {
			c.stdin = bufio.NewReader(cmd.InOrStdin())
		}
		line, err := c.stdin.ReadBytes('\n')
		if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
			return nil, fmt.Errorf("failed to read %s from stdin: %w", prompt, err)
		}
		return bytes.TrimRight(line, "\r\n"), nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("stdin is not a terminal, use --password-stdin")
	}
	fmt.Fprint(cmd.ErrOrStderr(), prompt+": ")
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", prompt, err)
	}
	return secret, nil
}

// withStore opens the store and runs fn. When unlock is set the password is read and the
// store unlocked first.
func (c *cli) withStore(cmd *cobra.Command, unlock bool, fn func(*ouroborosvault.Store) error) error {
	store, err := c.open(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if unlock {
		password, err := c.readSecret(cmd, "Password")
		if err != nil {
			return err
		}
		err = store.Unlock(cmd.Context(), password)
		memguard.WipeBytes(password)
		if err != nil {
			return err
		}
	}
	return fn(store)
}

func success(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, color.GreenString("✓")+" "+fmt.Sprintf(format, args...))
}
