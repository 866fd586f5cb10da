package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"

	"github.com/jmorganca/shardconv/envconfig"
	"github.com/jmorganca/shardconv/logutil"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "shardconv",
		Short: "Convert transformer checkpoints between full and sharded states",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
		},
	}

	cobra.EnableCommandSorting = false

	convertCmd := cmdConvert()
	appendEnvDocs(convertCmd, envconfig.AsMap())

	rootCmd.AddCommand(
		convertCmd,
		cmdInspect(),
		cmdVerify(),
	)

	return rootCmd
}

func appendEnvDocs(cmd *cobra.Command, envs map[string]envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	keys := maps.Keys(envs)
	slices.Sort(keys)

	var sb strings.Builder
	sb.WriteString("\nEnvironment Variables:\n")
	for _, key := range keys {
		fmt.Fprintf(&sb, "      %-24s %s\n", envs[key].Name, envs[key].Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + sb.String())
}
