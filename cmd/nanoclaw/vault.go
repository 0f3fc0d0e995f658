package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/store"
	"github.com/nanoclaw/nanoclaw/internal/vault"
)

// runVault is adapted from the teacher's cmd/praktor/vault.go, trimmed to
// nanoclaw's flat name -> value secret model (no per-agent assignment or
// global toggle — a chat opts into a secret by naming it in its
// chat_definition.secrets list or an extensions.json "secret:" reference).
func runVault(args []string) error {
	if len(args) == 0 {
		printVaultUsage()
		return nil
	}

	passphrase := os.Getenv("NANOCLAW_VAULT_PASSPHRASE")
	if passphrase == "" {
		return fmt.Errorf("NANOCLAW_VAULT_PASSPHRASE environment variable is required")
	}
	v := vault.New(passphrase)

	db, err := store.New(config.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	switch args[0] {
	case "list":
		return vaultList(db)
	case "set":
		return vaultSet(db, v, args[1:])
	case "get":
		return vaultGet(db, v, args[1:])
	case "delete":
		return vaultDelete(db, args[1:])
	default:
		printVaultUsage()
		return fmt.Errorf("unknown vault command: %s", args[0])
	}
}

func printVaultUsage() {
	fmt.Fprintf(os.Stderr, `Usage: nanoclaw vault <command>

Commands:
  list                List registered secret names
  set <name> <value>  Encrypt and store a secret
  get <name>          Decrypt and print a secret
  delete <name>       Remove a secret

Environment:
  NANOCLAW_VAULT_PASSPHRASE   Required. Encryption passphrase.
`)
}

func vaultList(db *store.Store) error {
	names, err := db.ListSecretNames()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("No secrets stored.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME")
	for _, name := range names {
		fmt.Fprintln(w, name)
	}
	return w.Flush()
}

func vaultSet(db *store.Store, v *vault.Vault, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: nanoclaw vault set <name> <value>")
	}
	if err := db.SaveSecret(v, args[0], []byte(args[1])); err != nil {
		return err
	}
	fmt.Printf("Secret %q stored.\n", args[0])
	return nil
}

func vaultGet(db *store.Store, v *vault.Vault, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: nanoclaw vault get <name>")
	}
	value, err := db.GetSecret(v, args[0])
	if err != nil {
		return err
	}
	fmt.Println(string(value))
	return nil
}

func vaultDelete(db *store.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: nanoclaw vault delete <name>")
	}
	if err := db.DeleteSecret(args[0]); err != nil {
		return err
	}
	fmt.Printf("Secret %q deleted.\n", args[0])
	return nil
}
