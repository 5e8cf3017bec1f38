package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/ollama/videoedit/envconfig"
	"github.com/ollama/videoedit/logutil"
)

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

func envVars() []envconfig.EnvVar {
	all := envconfig.AsMap()
	keys := maps.Keys(all)
	slices.Sort(keys)

	envs := make([]envconfig.EnvVar, 0, len(keys))
	for _, k := range keys {
		envs = append(envs, all[k])
	}
	return envs
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "videoedit",
		Short: "Prompt-guided video latent editing",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(cmd.ErrOrStderr(), envconfig.LogLevel()))
		},
	}

	cobra.EnableCommandSorting = false

	simulateCmd := &cobra.Command{
		Use:   "simulate [CONFIG]",
		Short: "Run an edit end to end on the synthetic backend",
		Long: strings.TrimSpace(`
Run an edit against small deterministic stand-ins for the text encoder,
codec and denoising network. CONFIG is an optional YAML file of edit
options; flags override it.`),
		Args: cobra.MaximumNArgs(1),
		RunE: SimulateHandler,
	}

	simulateCmd.Flags().String("prompt", "", "Target prompt")
	simulateCmd.Flags().String("source-prompt", "", "Prompt describing the source video")
	simulateCmd.Flags().String("edit", "", "Edit type: none, save or swap")
	simulateCmd.Flags().Int("steps", 0, "Number of inference steps")
	simulateCmd.Flags().Int("frames", 4, "Frames in the synthetic source video")
	simulateCmd.Flags().Int("size", 64, "Width and height of the synthetic source video in pixels")
	simulateCmd.Flags().Int64("seed", 0, "Random seed")
	simulateCmd.Flags().String("format", "table", "Output format: table or yaml")
	simulateCmd.Flags().Bool("no-progress", false, "Do not show a progress bar")

	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Show the DDIM timestep schedule",
		Args:  cobra.NoArgs,
		RunE:  ScheduleHandler,
	}

	scheduleCmd.Flags().Int("steps", 50, "Number of inference steps")
	scheduleCmd.Flags().Float64("strength", 1, "Share of the schedule that is denoised")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show environment configuration",
		Args:  cobra.NoArgs,
		RunE:  ConfigHandler,
	}

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the edit server",
		Args:    cobra.NoArgs,
		RunE:    RunServer,
	}

	envs := envVars()
	for _, cmd := range []*cobra.Command{simulateCmd, serveCmd, configCmd} {
		appendEnvDocs(cmd, envs)
	}

	rootCmd.AddCommand(simulateCmd, serveCmd, scheduleCmd, configCmd)
	return rootCmd
}
