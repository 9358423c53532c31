// Command solo runs or reaches the single instance of an application from the
// command line. It is mostly useful for trying out backends and for scripts
// that want to hand work to a running instance.
package main

import (
	"os"
	"strings"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/solo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "solo",
	Short: "Single instance coordination",
	Long: `solo keeps one instance of an application running per user session.

The first "solo run" for an app id and version becomes the primary instance
and prints every handoff it receives. Later runs with a compatible version
hand their arguments and working directory to it and exit.

Every flag can also be set with a SOLO_ environment variable, e.g.
SOLO_APP_ID or SOLO_SEND_TIMEOUT, or in a config file.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Config file (default: ./solo.yaml)")
	flags.StringP("app-id", "a", "", "Application identifier, e.g. com.example.editor")
	flags.StringP("app-version", "v", "1.0.0", "Application semver version")
	flags.String("backend", "", "Rendezvous backend (abstract, lockfile, pipe); platform default if empty")
	flags.String("dir", "", "Directory for lockfile backend files")
	flags.Duration("send-timeout", solo.DefaultSendTimeout, "How long a handoff may take")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	viper.BindPFlags(flags)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(nameCmd)
	rootCmd.AddCommand(statusCmd)
}

func initConfig() {
	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("solo")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("SOLO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	// a missing config file is fine
	viper.ReadInConfig()
}

func newLogger() log15.Logger {
	lvl, err := log15.LvlFromString(viper.GetString("log-level"))
	if err != nil {
		lvl = log15.LvlInfo
	}
	l := log15.New("pid", os.Getpid())
	l.SetHandler(log15.LvlFilterHandler(lvl, log15.StreamHandler(os.Stderr, log15.LogfmtFormat())))
	return l
}

// options builds the solo options shared by every subcommand.
func options(l log15.Logger) []solo.Option {
	return []solo.Option{
		solo.WithLogger(l),
		solo.WithBackend(solo.Backend(viper.GetString("backend"))),
		solo.WithDir(viper.GetString("dir")),
		solo.WithSendTimeout(viper.GetDuration("send-timeout")),
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
