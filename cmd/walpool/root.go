package main

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nerrad567/walpool/internal/infrastructure/config"
	"github.com/nerrad567/walpool/internal/infrastructure/logging"
)

// defaultConfigPath is used when neither --config nor WALPOOL_CONFIG is set.
const defaultConfigPath = "configs/config.yaml"

// app carries what every subcommand needs once flags are parsed.
type app struct {
	v   *viper.Viper
	cfg *config.Config
	log *logging.Logger
}

// newRootCmd builds the command tree. A fresh tree per call keeps flag and
// viper state out of package globals.
func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "walpool",
		Short: "single-writer, multi-reader SQLite pool",
		Long: fmt.Sprintf(`walpool (%s)

Concurrent access to one SQLite database in WAL mode: one serialised
writer, a bounded pool of snapshot readers, and apply-once migrations.`, version),
		SilenceUsage:      true,
		PersistentPreRunE: a.load,
	}

	root.PersistentFlags().String("config", defaultConfigPath, "path to the YAML configuration file (env WALPOOL_CONFIG)")

	root.AddCommand(
		a.migrateCmd(),
		a.statusCmd(),
		a.serveCmd(),
		a.demoCmd(),
		a.watchCmd(),
		a.checkpointCmd(),
		versionCmd(),
	)
	return root
}

// load reads .env files, resolves the config path and loads the config.
func (a *app) load(cmd *cobra.Command, _ []string) error {
	if !needsConfig(cmd) {
		return nil
	}

	// Optional; missing files are not an error.
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	a.v.SetEnvPrefix("walpool")
	a.v.AutomaticEnv()
	if err := a.v.BindPFlag("config", cmd.Flags().Lookup("config")); err != nil {
		return fmt.Errorf("binding config flag: %w", err)
	}

	path := a.v.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	a.cfg = cfg
	a.log = logging.New(cfg.Logging, version)
	a.log.Debug("configuration loaded", "path", path)
	return nil
}

// needsConfig reports whether cmd touches the database or the broker.
func needsConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "version", "help", "completion":
			return false
		}
	}
	return true
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of walpool",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "walpool %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
