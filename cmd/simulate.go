package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ollama/videoedit/attention"
	"github.com/ollama/videoedit/envconfig"
	"github.com/ollama/videoedit/pipeline"
	"github.com/ollama/videoedit/progress"
	"github.com/ollama/videoedit/synthetic"
)

type tokenSummary struct {
	Index int     `yaml:"index"`
	Token string  `yaml:"token"`
	Mean  float64 `yaml:"mean"`
	Peak  float64 `yaml:"peak"`
}

type simulateSummary struct {
	RunID      string         `yaml:"run_id"`
	Edit       string         `yaml:"edit"`
	Shape      []int          `yaml:"shape"`
	Trajectory int            `yaml:"trajectory"`
	Masks      int            `yaml:"masks"`
	Attention  []tokenSummary `yaml:"attention,omitempty"`
}

func simulateOptions(cmd *cobra.Command, args []string) (pipeline.Options, error) {
	opts := pipeline.DefaultOptions()
	opts.Prompt = "a white square"
	opts.NumInferenceSteps = 20
	opts.InterpolationTimestep = 5
	opts.DType = envconfig.DType
	opts.DiskStore = envconfig.DiskStore

	size, err := cmd.Flags().GetInt("size")
	if err != nil {
		return opts, err
	}
	opts.Height, opts.Width = size, size

	if len(args) > 0 {
		b, err := os.ReadFile(args[0])
		if err != nil {
			return opts, err
		}
		var m map[string]any
		if err := yaml.Unmarshal(b, &m); err != nil {
			return opts, fmt.Errorf("%s: %w", args[0], err)
		}
		if err := opts.FromMap(m); err != nil {
			return opts, fmt.Errorf("%s: %w", args[0], err)
		}
	}

	flags := cmd.Flags()
	if flags.Changed("prompt") {
		opts.Prompt, _ = flags.GetString("prompt")
	}
	if flags.Changed("source-prompt") {
		opts.SourcePrompt, _ = flags.GetString("source-prompt")
	}
	if flags.Changed("edit") {
		s, _ := flags.GetString("edit")
		if opts.EditType, err = pipeline.ParseEditType(s); err != nil {
			return opts, err
		}
	}
	if flags.Changed("steps") {
		opts.NumInferenceSteps, _ = flags.GetInt("steps")
	}
	if flags.Changed("seed") {
		seed, _ := flags.GetInt64("seed")
		opts.Seed = uint64(seed)
	}
	if opts.Width != opts.Height {
		return opts, fmt.Errorf("the synthetic source is square, got %dx%d", opts.Width, opts.Height)
	}
	return opts, opts.Validate()
}

func SimulateHandler(cmd *cobra.Command, args []string) error {
	opts, err := simulateOptions(cmd, args)
	if err != nil {
		return err
	}

	frames, err := cmd.Flags().GetInt("frames")
	if err != nil {
		return err
	}
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return err
	}
	noProgress, err := cmd.Flags().GetBool("no-progress")
	if err != nil {
		return err
	}

	backend, err := synthetic.NewBackend()
	if err != nil {
		return err
	}
	p, err := pipeline.New(backend.Components(attention.StoreConfig{SaveSelfAttention: opts.SaveSelfAttention}))
	if err != nil {
		return err
	}
	defer p.Close()

	if !noProgress {
		bar := progress.NewProgress(cmd.ErrOrStderr())
		defer bar.StopAndClear()

		bar.Add("edit", progress.NewSpinner("encoding and inverting source"))

		steps := progress.NewStepBar("", opts.NumInferenceSteps)
		stage, stages := 0, opts.StageNum
		if opts.InvertStage {
			stages = 1
		}
		opts.Progress = func(completed, total int) {
			if completed == 1 || stage == 0 {
				stage++
				steps.SetMessage(fmt.Sprintf("Stage %d/%d", stage, stages))
				bar.Add("edit", steps)
			}
			steps.Update(completed, total)
		}
	}

	res, err := p.Edit(cmd.Context(), opts, pipeline.Source{Pixels: synthetic.Video(frames, opts.Height), Frames: frames})
	if err != nil {
		return err
	}

	summary := simulateSummary{
		RunID:      res.RunID,
		Edit:       opts.EditType.String(),
		Shape:      res.Latents.Shape().Dims(),
		Trajectory: res.Trajectory.Len(),
		Masks:      len(res.Masks),
	}
	for _, ta := range res.Attention {
		summary.Attention = append(summary.Attention, tokenSummary{Index: ta.Index, Token: ta.Token, Mean: ta.Mean, Peak: ta.Peak})
	}

	switch format {
	case "yaml":
		b, err := yaml.Marshal(summary)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(b)
		return err
	case "table":
	default:
		return fmt.Errorf("unknown format %q", format)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s: %s edit, latents %v, %d inverted latents, %d masks\n",
		summary.RunID, summary.Edit, summary.Shape, summary.Trajectory, summary.Masks)
	if len(summary.Attention) == 0 {
		return nil
	}

	var data [][]string
	for _, ts := range summary.Attention {
		data = append(data, []string{strconv.Itoa(ts.Index), ts.Token, fmt.Sprintf("%.4f", ts.Mean), fmt.Sprintf("%.4f", ts.Peak)})
	}

	fmt.Fprintln(out)
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"INDEX", "TOKEN", "MEAN", "PEAK"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
	return nil
}
