package cli

import (
	"github.com/spf13/cobra"

	"github.com/flowscope/flowscope/codegen"
)

// NewExportCmd creates the "export" subcommand.
func NewExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Export a graph document as a standalone PathSim script",
		Long: "Export lowers the graph into a formatted, commented script with " +
			"a plotting epilogue, suitable for running outside FlowScope.",
		Args: cobra.ExactArgs(1),
		RunE: runExport,
	}

	cmd.Flags().StringP("output", "o", "", "Output file path (default: stdout)")
	cmd.Flags().String("code-context", "", "Python inserted verbatim after the imports")

	return cmd
}

func runExport(cmd *cobra.Command, args []string) error {
	g, settings, err := loadGraphArg(args[0])
	if err != nil {
		return err
	}

	codeContext, _ := cmd.Flags().GetString("code-context")

	script, err := codegen.Export(g, settings, codegen.Options{
		CodeContext: codeContext,
	})
	if err != nil {
		return exitError(exitValidation, "exporting graph: %v", err)
	}

	return writeTextOutput(cmd, script)
}
