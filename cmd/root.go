package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"k8s-netremedy/internal/config"
)

var cfgFile string

// ErrRunFailed marks a run that ended without restoring connectivity
var ErrRunFailed = errors.New("connectivity not restored")

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "k8s-netremedy",
	Short: "Validate and repair cluster DNS connectivity on Kubernetes nodes",
	Long: `k8s-netremedy verifies that pods can reach the cluster DNS service and,
when they cannot, inspects every node's dataplane (IP forwarding, kernel
modules, FORWARD chain policy, IPVS table) and applies the minimal set of
idempotent fixes before validating again.

When the attempt budget is spent it writes a compressed diagnostics archive
and exits non-zero with the archive path on stderr.

The tool will use the current kubectl context unless --kubeconfig is specified.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("🔗 k8s-netremedy - Kubernetes DNS Path Remediation Tool")
		fmt.Println("")
		fmt.Println("Available commands:")
		fmt.Println("  remediate - Validate, repair nodes and retry until DNS works")
		fmt.Println("  validate  - Run a single DNS probe")
		fmt.Println("  inspect   - Show each node's dataplane state and planned fixes")
		fmt.Println("")
		fmt.Println("Use --help for more information about available commands")
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// ExitCode maps a command error to the process exit status: 1 when the run
// finished without restoring connectivity, 130 on interrupt, and 2 for
// configuration and fatal errors
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrRunFailed):
		return 1
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 2
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.k8s-netremedy.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log to the console as well as the log file")
	rootCmd.PersistentFlags().String("kubeconfig", "", "path to kubeconfig file (uses default kubectl config if not specified)")
	rootCmd.PersistentFlags().StringP("namespace", "n", "netremedy-probe", "namespace for the ephemeral DNS probe pod")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-dir", "test_results/logs", "directory for the JSON log file (empty disables it)")
	rootCmd.PersistentFlags().String("executor", config.ExecutorAgent, "how commands reach nodes: agent, ssh, local")

	// Bind flags to viper
	bindFlags(rootCmd.PersistentFlags(), map[string]string{
		"log.verbose":   "verbose",
		"kubeconfig":    "kubeconfig",
		"namespace":     "namespace",
		"log.level":     "log-level",
		"log.dir":       "log-dir",
		"executor.kind": "executor",
	})
}

// bindFlags binds config keys to the named flags of fs
func bindFlags(fs *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		cobra.CheckErr(viper.BindPFlag(key, fs.Lookup(name)))
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".k8s-netremedy" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".k8s-netremedy")
	}

	// NETREMEDY_RETRY_MAX_ATTEMPTS overrides retry.max_attempts
	viper.SetEnvPrefix("NETREMEDY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
