package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"toolprobe/internal/scenario"
)

var listScenarioPath string

// listCmd prints the test cases defined in the descriptor files without
// executing anything.
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the test cases defined in the descriptor files",
	RunE:  listTests,
}

func init() {
	listCmd.Flags().StringVarP(&listScenarioPath, "scenarios", "s", "scenarios", "Test descriptor file or directory")

	rootCmd.AddCommand(listCmd)
}

func listTests(cmd *cobra.Command, args []string) error {
	descs, err := scenario.LoadPath(listScenarioPath)
	if err != nil {
		return err
	}
	if len(descs) == 0 {
		return fmt.Errorf("no test descriptors found in %s", listScenarioPath)
	}

	byName := make(map[string]scenario.Descriptor, len(descs))
	for _, d := range descs {
		byName[d.Name] = d
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Name", "Tool", "Category", "Priority", "Tags"})
	for _, name := range scenario.Names(descs) {
		d := byName[name]
		t.AppendRow(table.Row{d.Name, d.Tool, d.Category, d.Priority, strings.Join(d.Tags, ", ")})
	}
	t.AppendFooter(table.Row{"Total", len(descs)})
	t.SetStyle(table.StyleLight)
	t.Render()
	return nil
}
