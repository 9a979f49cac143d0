package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"efv-go/internal/app"
	"efv-go/internal/config"
	"efv-go/internal/efv"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, "", fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}
	return cfg, defaults["config_path"], nil
}

// newApp reads the config, obtains the database keys and creates a
// VaultApp. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "AddFile", "RotateKey").
func newApp(ctx context.Context, operation string) (*app.VaultApp, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}

	keys, err := databaseKeys(cfg.VaultID)
	if err != nil {
		return nil, err
	}
	defer keys.Close()

	a, err := app.NewVaultApp(ctx, cfg, operation, keys, app.Options{Console: os.Stderr})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// databaseKeys reads the database secrets from the environment, or prompts
// for a passphrase when they are not set.
func databaseKeys(vaultID string) (*app.DBKeys, error) {
	keys, ok, err := app.KeysFromEnv(vaultID)
	if err != nil {
		return nil, err
	}
	if ok {
		return keys, nil
	}

	pass, err := readPassword("Vault passphrase: ")
	if err != nil {
		return nil, err
	}
	return app.KeysFromSecrets(vaultID, pass, "")
}

func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal for password prompt; set %s", app.EnvVaultKey)
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(b), nil
}

func newSpinner(suffix string) *spinner.Spinner {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + suffix
	return s
}

var (
	okMark   = color.GreenString("✓")
	failMark = color.RedString("✗")
	hintMark = color.CyanString("→")
)

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

var rootCmd = &cobra.Command{
	Use:          "efv",
	Short:        "Encrypted file vault",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		vaultID := uuid.New().String()
		cfg := config.NewConfig(vaultID, defaults["base_dir"])
		cfg.Paths.FilesDir = defaults["files_dir"]
		cfg.Snapshot.Dir = defaults["snapshot_dir"]

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Vault ID: %s\n", vaultID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		fmt.Printf("Files Dir: %s\n", cfg.Paths.FilesDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", path)
		fmt.Printf("Vault ID:  %s\n", cfg.VaultID)
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:   %s\n", cfg.LogDir)
		fmt.Printf("Vault DB:  %s\n", cfg.Paths.VaultDB)
		fmt.Printf("Index DB:  %s\n", cfg.Paths.IndexDB)
		fmt.Printf("Files Dir: %s\n", cfg.Paths.FilesDir)
		fmt.Printf("Snapshots: %s\n", cfg.Snapshot.Type)
		return nil
	},
}

// add command
var addCmd = &cobra.Command{
	Use:   "add PATH [DEST]",
	Short: "Encrypt files into the vault",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		recursive, _ := cmd.Flags().GetBool("recursive")
		dest := destArg(cmd, args)
		opts := addOptions(cmd)

		a, err := newApp(cmd.Context(), "AddFile")
		if err != nil {
			return err
		}
		defer a.Close()

		s := newSpinner("Encrypting...")
		s.Start()
		recs, err := a.AddFiles(cmd.Context(), args[0], dest, recursive, opts)
		s.Stop()

		for _, rec := range recs {
			fmt.Printf("%s %s  %s\n", okMark, shortID(rec.FileID), rec.CurrentPath)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s add failed\n", failMark)
			return err
		}
		return nil
	},
}

// destArg returns the optional second argument, falling back to --dest.
func destArg(cmd *cobra.Command, args []string) string {
	if len(args) == 2 {
		return args[1]
	}
	dest, _ := cmd.Flags().GetString("dest")
	return dest
}

func addOptions(cmd *cobra.Command) efv.AddOptions {
	name, _ := cmd.Flags().GetString("name")
	style, _ := cmd.Flags().GetString("style")
	tags, _ := cmd.Flags().GetString("tags")
	note, _ := cmd.Flags().GetString("note")
	return efv.AddOptions{DisplayName: name, FilenameStyle: style, Tags: tags, Note: note}
}

// import-legacy command
var importLegacyCmd = &cobra.Command{
	Use:   "import-legacy PATH [DEST]",
	Short: "Import a legacy encrypted file",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dest := destArg(cmd, args)
		opts := addOptions(cmd)

		a, err := newApp(cmd.Context(), "ImportLegacy")
		if err != nil {
			return err
		}
		defer a.Close()

		password, err := readPassword("Legacy password: ")
		if err != nil {
			return err
		}

		s := newSpinner("Importing...")
		s.Start()
		rec, err := a.ImportLegacy(cmd.Context(), args[0], dest, password, opts)
		s.Stop()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s import failed\n", failMark)
			return err
		}

		fmt.Printf("%s %s  %s\n", okMark, shortID(rec.FileID), rec.CurrentPath)
		return nil
	},
}

// rotate command
var rotateCmd = &cobra.Command{
	Use:   "rotate [FILE]",
	Short: "Re-encrypt a file under a fresh key",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		note, _ := cmd.Flags().GetString("note")
		if all == (len(args) == 1) {
			return fmt.Errorf("give either a file or --all")
		}

		operation := "RotateKey"
		if all {
			operation = "RotateAll"
		}
		a, err := newApp(cmd.Context(), operation)
		if err != nil {
			return err
		}
		defer a.Close()

		s := newSpinner("Rotating...")
		s.Start()
		var results []*app.RotateResult
		if all {
			results, err = a.RotateAll(cmd.Context(), note)
		} else {
			var res *app.RotateResult
			res, err = a.Rotate(cmd.Context(), args[0], note)
			if res != nil {
				results = append(results, res)
			}
		}
		s.Stop()

		for _, r := range results {
			fmt.Printf("%s %s  v%d  %s\n", okMark, shortID(r.FileID), r.Version, r.Path)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s rotation failed\n", failMark)
			if strings.Contains(err.Error(), efv.PrevSuffix) {
				fmt.Fprintf(os.Stderr, "%s Inspect the %s file next to the vault file before retrying\n", hintMark, efv.PrevSuffix)
			}
			return err
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history FILE",
	Short: "View key history of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "History")
		if err != nil {
			return err
		}
		defer a.Close()

		versions, err := a.History(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		for _, v := range versions {
			current := ""
			if v.Current() {
				current = "  " + color.YellowString("[current]")
			}
			fmt.Printf("v%-3d  %s  %-10s%s\n",
				v.Version,
				v.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				v.Note,
				current,
			)
		}
		return nil
	},
}

// show command
var showCmd = &cobra.Command{
	Use:   "show [ID]",
	Short: "Look up files in the index",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var q efv.Query
		q.Name, _ = cmd.Flags().GetString("name")
		q.Path, _ = cmd.Flags().GetString("path")
		q.ContentHash, _ = cmd.Flags().GetString("hash")
		if len(args) == 1 {
			q.FileID = args[0]
		}

		a, err := newApp(cmd.Context(), "Lookup")
		if err != nil {
			return err
		}
		defer a.Close()

		recs, err := a.Lookup(cmd.Context(), q)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No files in the vault.")
			return nil
		}

		for _, rec := range recs {
			rotated := "never"
			if rec.RotatedAt != nil {
				rotated = rec.RotatedAt.Local().Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%s  %-24s  %8d  rotated:%s  %s\n",
				shortID(rec.FileID),
				rec.DisplayName,
				rec.PlaintextSize,
				rotated,
				rec.CurrentPath,
			)
		}
		return nil
	},
}

// extract command
var extractCmd = &cobra.Command{
	Use:   "extract FILE OUTPUT",
	Short: "Decrypt a vault file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Extract")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Extract(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("%s wrote %s\n", okMark, args[1])
		return nil
	},
}

// reconcile command
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Repair index rotation times from the key store",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Reconcile")
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.Reconcile(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%s repaired %d record(s)\n", okMark, n)
		return nil
	},
}

// snapshot command
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage database snapshots",
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore both databases from the snapshot store",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		s := newSpinner("Downloading snapshots...")
		s.Start()
		version, err := app.RestoreSnapshots(cmd.Context(), cfg, force)
		s.Stop()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s restore failed\n", failMark)
			if !force {
				fmt.Fprintf(os.Stderr, "%s Use %s to replace existing databases\n", hintMark, color.YellowString("--force"))
			}
			return err
		}

		fmt.Printf("%s restored snapshot of operation #%d\n", okMark, version)
		return nil
	},
}

// log command
var logCmd = &cobra.Command{
	Use:   "log",
	Short: "View vault operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "Log")
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.Operations(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if op.FinishedAt != nil {
				duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
			}
			status := op.Status
			if status == app.StatusError {
				status = color.RedString(status)
			}
			fmt.Printf("#%d  %-13s  %s  %-10s  %-8s  %s\n",
				op.ID,
				op.Operation,
				op.StartedAt.Local().Format("2006-01-02 15:04:05"),
				status,
				duration,
				op.Parameters,
			)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	for _, c := range []*cobra.Command{addCmd, importLegacyCmd} {
		c.Flags().StringP("dest", "d", "", "Destination file or directory (default: files_dir)")
		c.Flags().String("name", "", "Display name recorded in the index")
		c.Flags().String("style", "", "File naming style: human or id")
		c.Flags().String("tags", "", "Tags recorded in the index")
		c.Flags().String("note", "", "Note recorded in the index")
	}
	addCmd.Flags().BoolP("recursive", "r", false, "Recurse into subdirectories")

	rotateCmd.Flags().Bool("all", false, "Rotate every file in the vault")
	rotateCmd.Flags().String("note", "", "Note recorded with the new key version")

	showCmd.Flags().String("name", "", "Find files by display name")
	showCmd.Flags().String("path", "", "Find the file at this path")
	showCmd.Flags().String("hash", "", "Find the file by plaintext hash")

	logCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")

	snapshotCmd.AddCommand(snapshotRestoreCmd)
	snapshotRestoreCmd.Flags().Bool("force", false, "Replace existing local databases")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(importLegacyCmd)
	rootCmd.AddCommand(rotateCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(snapshotCmd)
}
