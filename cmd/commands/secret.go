package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/dohr-michael/quorum/internal/config"
	"github.com/dohr-michael/quorum/internal/secrets"
	"github.com/dohr-michael/quorum/internal/store"
)

// NewSecretCommand returns the secret subcommand. Secrets are managed
// directly against the vault so keys can be loaded before the first serve.
func NewSecretCommand() *cli.Command {
	return &cli.Command{
		Name:  "secret",
		Usage: "Manage vault secrets",
		Commands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "Store a secret (value prompted, not echoed)",
				ArgsUsage: "<name>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "description", Usage: "What this secret unlocks"},
				},
				Action: runSecretSet,
			},
			{
				Name:   "ls",
				Usage:  "List secret names and descriptions",
				Action: runSecretList,
			},
			{
				Name:      "rm",
				Usage:     "Delete a secret",
				ArgsUsage: "<name>",
				Action:    runSecretRemove,
			},
			{
				Name:      "env",
				Usage:     "Write a key into the .env file (value prompted, not echoed)",
				ArgsUsage: "<KEY>",
				Action:    runSecretEnv,
			},
			{
				Name:      "credential",
				Usage:     "Store a provider credential matched by model id",
				ArgsUsage: "<name>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "provider", Usage: "Provider driver name", Required: true},
					&cli.StringFlag{Name: "model", Usage: "Model id this credential serves"},
				},
				Action: runSecretCredential,
			},
		},
		DefaultCommand: "ls",
	}
}

// openVault opens the store and vault for direct CLI access. The caller
// must Close the returned store.
func openVault() (*store.Store, *secrets.Vault, error) {
	st, err := store.Open(config.DBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("open store (run `quorum init` first?): %w", err)
	}
	vault, err := secrets.OpenVault(st, config.AgeKeyPath())
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return st, vault, nil
}

// promptSecret reads a value from the terminal without echoing it.
func promptSecret(label string) (string, error) {
	fmt.Printf("%s: ", label)
	value, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read value: %w", err)
	}
	if len(value) == 0 {
		return "", fmt.Errorf("empty value")
	}
	return string(value), nil
}

func runSecretSet(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		return fmt.Errorf("usage: quorum secret set <name>")
	}

	st, vault, err := openVault()
	if err != nil {
		return err
	}
	defer st.Close()

	value, err := promptSecret("Value for " + name)
	if err != nil {
		return err
	}
	if err := vault.Set(ctx, name, value, cmd.String("description"), "cli"); err != nil {
		return err
	}
	fmt.Printf("Secret %s stored. Reference it as {{SECRET:%s}} in action parameters.\n", name, name)
	return nil
}

func runSecretList(ctx context.Context, _ *cli.Command) error {
	st, vault, err := openVault()
	if err != nil {
		return err
	}
	defer st.Close()

	rows, err := vault.Search(ctx, "")
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No secrets stored.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDESCRIPTION\tUPDATED")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, r.Description, r.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runSecretRemove(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		return fmt.Errorf("usage: quorum secret rm <name>")
	}

	st, vault, err := openVault()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := vault.Delete(ctx, name); err != nil {
		return err
	}
	fmt.Printf("Secret %s deleted.\n", name)
	return nil
}

func runSecretEnv(_ context.Context, cmd *cli.Command) error {
	key := cmd.Args().First()
	if key == "" {
		return fmt.Errorf("usage: quorum secret env <KEY>")
	}

	value, err := promptSecret("Value for " + key)
	if err != nil {
		return err
	}
	path := config.DotenvPath()
	if err := secrets.SetEntry(path, key, value); err != nil {
		return err
	}
	fmt.Printf("Wrote %s to %s. A running serve picks it up on SIGHUP.\n", key, path)
	return nil
}

func runSecretCredential(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		return fmt.Errorf("usage: quorum secret credential <name> --provider <driver> [--model <id>]")
	}

	st, vault, err := openVault()
	if err != nil {
		return err
	}
	defer st.Close()

	value, err := promptSecret("API key for " + name)
	if err != nil {
		return err
	}
	if err := vault.SetCredential(ctx, name, cmd.String("provider"), cmd.String("model"), value); err != nil {
		return err
	}
	fmt.Printf("Credential %s stored.\n", name)
	return nil
}
