package cmd

import (
	"fmt"
	"math"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ollama/videoedit/scheduler"
)

func ScheduleHandler(cmd *cobra.Command, args []string) error {
	steps, err := cmd.Flags().GetInt("steps")
	if err != nil {
		return err
	}
	strength, err := cmd.Flags().GetFloat64("strength")
	if err != nil {
		return err
	}
	if strength <= 0 || strength > 1 {
		return fmt.Errorf("strength should be in (0.0, 1.0] but is %g", strength)
	}

	s, err := scheduler.NewDDIM(scheduler.DefaultConfig())
	if err != nil {
		return err
	}
	if err := s.SetTimesteps(steps); err != nil {
		return err
	}
	timesteps, k := scheduler.TrimForStrength(s.Timesteps(), strength)

	ratio := scheduler.StepRatio(s)
	data := make([][]string, 0, len(timesteps))
	for i, t := range timesteps {
		alpha := s.AlphaCumprod(t)
		prev := s.FinalAlphaCumprod()
		if t-ratio >= 0 {
			prev = s.AlphaCumprod(t - ratio)
		}
		data = append(data, []string{
			strconv.Itoa(i),
			strconv.Itoa(t),
			fmt.Sprintf("%.6f", alpha),
			fmt.Sprintf("%.6f", prev),
			fmt.Sprintf("%.4f", math.Sqrt(1-alpha)),
		})
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"STEP", "TIMESTEP", "ALPHA", "ALPHA PREV", "SIGMA"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	fmt.Fprintf(cmd.OutOrStdout(), "\n%d of %d steps, step ratio %d\n", k, steps, ratio)
	return nil
}
