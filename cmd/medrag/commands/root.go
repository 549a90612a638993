// Package commands defines all Cobra CLI commands for the medrag binary.
package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/54b3r/medrag-go/internal/audit"
	"github.com/54b3r/medrag-go/internal/config"
	"github.com/54b3r/medrag-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// envFile holds the --env-file flag value.
var envFile string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "medrag",
		Short: "medrag, question answering over patient records",
		Long: `medrag indexes patient records and medical reports and answers
natural-language questions about them with a retrieval-augmented LLM.

Configuration is layered: a .env file, then a YAML config file
(~/.medrag/config.yaml), then environment variables, which always win.
See 'medrag --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// godotenv never overwrites variables that are already set.
			if err := godotenv.Load(envFile); err != nil {
				if !errors.Is(err, fs.ErrNotExist) || cmd.Flags().Changed("env-file") {
					return fmt.Errorf("env file %s: %w", envFile, err)
				}
				log.Debug("no env file loaded", slog.String("path", envFile))
			}

			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.medrag/config.yaml)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before the config file")

	root.AddCommand(
		NewServeCmd(),
		NewAskCmd(),
		NewIngestCmd(),
		NewDeleteCmd(),
		NewCompactCmd(),
		NewStatsCmd(),
		NewVersionCmd(),
	)

	return root
}
