package cmd

import (
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ollama/videoedit/envconfig"
)

func ConfigHandler(cmd *cobra.Command, args []string) error {
	vals := envconfig.Values()

	var data [][]string
	for _, e := range envVars() {
		data = append(data, []string{e.Name, vals[e.Name], e.Description})
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"NAME", "VALUE", "DESCRIPTION"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
	return nil
}
