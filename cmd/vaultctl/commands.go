package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/awnumar/memguard"
	"github.com/fatih/color"
	ouroborosvault "github.com/i5heu/ouroboros-vault"
	"github.com/i5heu/ouroboros-vault/internal/storage"
	"github.com/i5heu/ouroboros-vault/internal/types"
	"github.com/spf13/cobra"
)

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", what, s)
	}
	return id, nil
}

// readNewSecret reads a secret and, on a terminal, asks for it a second time.
func (c *cli) readNewSecret(cmd *cobra.Command, prompt string) ([]byte, error) {
	secret, err := c.readSecret(cmd, prompt)
	if err != nil {
		return nil, err
	}
	if c.passwordStdin {
		return secret, nil
	}
	again, err := c.readSecret(cmd, "Repeat "+prompt)
	if err != nil {
		memguard.WipeBytes(secret)
		return nil, err
	}
	defer memguard.WipeBytes(again)
	if !bytes.Equal(secret, again) {
		memguard.WipeBytes(secret)
		return nil, errors.New("inputs do not match")
	}
	return secret, nil
}

func (c *cli) initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <name>",
		Short: "Create the profile and its master key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd, false, func(store *ouroborosvault.Store) error {
				password, err := c.readNewSecret(cmd, "Password")
				if err != nil {
					return err
				}
				defer memguard.WipeBytes(password)

				if err := store.InitializeProfile(cmd.Context(), args[0], password); err != nil {
					return err
				}
				success(cmd.OutOrStdout(), "Initialized profile %s in %s", args[0], c.path)
				return nil
			})
		},
	}
}

func (c *cli) vaultCmd() *cobra.Command {
	vault := &cobra.Command{
		Use:   "vault",
		Short: "Create and list vaults",
	}

	vault.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create a vault with its own key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd, true, func(store *ouroborosvault.Store) error {
				v, err := store.CreateVault(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				success(cmd.OutOrStdout(), "Created vault %s with id %d", v.Name(), v.ID())
				return nil
			})
		},
	})

	vault.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all vaults, no password needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd, false, func(store *ouroborosvault.Store) error {
				vaults, err := store.ListVaults(cmd.Context())
				if err != nil {
					return err
				}
				if len(vaults) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No vaults.")
					return nil
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME")
				for _, v := range vaults {
					fmt.Fprintf(tw, "%d\t%s\n", v.ID, v.Name)
				}
				return tw.Flush()
			})
		},
	})

	return vault
}

func (c *cli) itemCmd() *cobra.Command {
	item := &cobra.Command{
		Use:   "item",
		Short: "Add, list, show and remove items of a vault",
	}

	// withVault unlocks the store and resolves the vault named by the first argument.
	withVault := func(cmd *cobra.Command, args []string, fn func(context.Context, *ouroborosvault.Vault) error) error {
		vaultID, err := parseID(args[0], "vault")
		if err != nil {
			return err
		}
		return c.withStore(cmd, true, func(store *ouroborosvault.Store) error {
			v, err := store.GetVault(cmd.Context(), vaultID)
			if err != nil {
				return err
			}
			return fn(cmd.Context(), v)
		})
	}

	var name, site string
	add := &cobra.Command{
		Use:   "add <vault-id>",
		Short: "Add an item, the secret is read like a password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, args, func(ctx context.Context, v *ouroborosvault.Vault) error {
				secret, err := c.readNewSecret(cmd, "Secret")
				if err != nil {
					return err
				}
				defer memguard.WipeBytes(secret)

				created, err := v.CreateItem(ctx,
					ouroborosvault.ItemOverview{Name: name, Site: site},
					ouroborosvault.ItemData{Secret: string(secret)},
				)
				if err != nil {
					return err
				}
				success(cmd.OutOrStdout(), "Added item %s with id %d to vault %s", name, created.ID(), v.Name())
				return nil
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "item name")
	add.Flags().StringVar(&site, "site", "", "site the item belongs to")
	_ = add.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list <vault-id>",
		Short: "List the items of a vault without opening their secrets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, args, func(ctx context.Context, v *ouroborosvault.Vault) error {
				items, err := v.ListItems(ctx)
				if err != nil {
					return err
				}
				if len(items) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "No items in vault %s.\n", v.Name())
					return nil
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tSITE\tUPDATED")
				for _, it := range items {
					overview := it.Overview()
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", it.ID(), overview.Name, overview.Site, it.UpdatedAt().UTC().Format("2006-01-02 15:04"))
				}
				return tw.Flush()
			})
		},
	}

	show := &cobra.Command{
		Use:   "show <vault-id> <item-id>",
		Short: "Decrypt and print one item including its secret",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID, err := parseID(args[1], "item")
			if err != nil {
				return err
			}
			return withVault(cmd, args, func(ctx context.Context, v *ouroborosvault.Vault) error {
				it, err := v.GetItem(ctx, itemID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Name:   %s\n", it.Overview().Name)
				fmt.Fprintf(out, "Site:   %s\n", it.Overview().Site)
				fmt.Fprintf(out, "Secret: %s\n", it.Data().Secret)
				return nil
			})
		},
	}

	remove := &cobra.Command{
		Use:   "rm <vault-id> <item-id>",
		Short: "Delete an item and its keys",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID, err := parseID(args[1], "item")
			if err != nil {
				return err
			}
			return withVault(cmd, args, func(ctx context.Context, v *ouroborosvault.Vault) error {
				if err := v.DeleteItem(ctx, itemID); err != nil {
					return err
				}
				success(cmd.OutOrStdout(), "Deleted item %d", itemID)
				return nil
			})
		},
	}

	item.AddCommand(add, list, show, remove)
	return item
}

func (c *cli) passwdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "passwd",
		Short: "Change the password protecting the master key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd, false, func(store *ouroborosvault.Store) error {
				oldPassword, err := c.readSecret(cmd, "Current password")
				if err != nil {
					return err
				}
				defer memguard.WipeBytes(oldPassword)
				newPassword, err := c.readNewSecret(cmd, "New password")
				if err != nil {
					return err
				}
				defer memguard.WipeBytes(newPassword)

				if err := store.ChangePassword(cmd.Context(), oldPassword, newPassword); err != nil {
					return err
				}
				success(cmd.OutOrStdout(), "Password changed")
				return nil
			})
		},
	}
}

func (c *cli) exportCmd() *cobra.Command {
	var out string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write a backup of every vault sealed under a separate passphrase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd, true, func(store *ouroborosvault.Store) error {
				passphrase, err := c.readNewSecret(cmd, "Export passphrase")
				if err != nil {
					return err
				}
				defer memguard.WipeBytes(passphrase)

				bundle, err := store.Export(cmd.Context(), passphrase)
				if err != nil {
					return err
				}
				if out == "" {
					_, err := cmd.OutOrStdout().Write(append(bundle, '\n'))
					return err
				}
				if err := os.WriteFile(out, bundle, 0o600); err != nil {
					return fmt.Errorf("failed to write export: %w", err)
				}
				success(cmd.OutOrStdout(), "Exported to %s", out)
				return nil
			})
		},
	}
	export.Flags().StringVarP(&out, "out", "o", "", "file to write the export to, stdout if empty")

	export.AddCommand(&cobra.Command{
		Use:   "show <file>",
		Short: "Open an export and list its vaults and items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read export: %w", err)
			}
			passphrase, err := c.readSecret(cmd, "Export passphrase")
			if err != nil {
				return err
			}
			defer memguard.WipeBytes(passphrase)

			profile, err := ouroborosvault.OpenExport(bundle, passphrase)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Profile: %s\n", profile.Name)
			for _, v := range profile.Vaults {
				fmt.Fprintf(w, "Vault %s: %d items\n", v.Name, len(v.Items))
				for _, it := range v.Items {
					fmt.Fprintf(w, "  %s\t%s\n", it.Overview.Name, it.Overview.Site)
				}
			}
			return nil
		},
	})
	return export
}

func (c *cli) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check every key, vault and item row",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd, true, func(store *ouroborosvault.Store) error {
				results, err := store.ValidateAll(cmd.Context())
				if err != nil {
					return err
				}

				failed := 0
				for _, r := range results {
					if !r.Passed() {
						failed++
						fmt.Fprintln(cmd.OutOrStdout(), color.RedString("✗")+" "+r.String())
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d records failed validation", failed, len(results))
				}
				success(cmd.OutOrStdout(), "Validated %d records", len(results))
				return nil
			})
		},
	}
}

// keysCmd reads the key rows straight from the database. Nothing is decrypted.
func (c *cli) keysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Inspect the wrapped key rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := storage.Open(storage.Options{Path: c.path, Logger: c.logger(cmd)})
			if err != nil {
				return err
			}
			defer repo.Close()

			var keys []types.KeyRecord
			err = repo.View(cmd.Context(), func(tx *storage.Txn) error {
				keys, err = tx.ListKeys()
				return err
			})
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Store path: %s\n", c.path)
			fmt.Fprintf(w, "Key rows: %d\n", len(keys))
			for _, k := range keys {
				fmt.Fprintln(w)
				fmt.Fprint(w, types.FormatKeyRecord(k))
			}
			return nil
		},
	}
}
