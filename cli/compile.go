package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flowscope/flowscope/codegen"
	"github.com/flowscope/flowscope/core"
	"github.com/flowscope/flowscope/loader"
)

// NewCompileCmd creates the "compile" subcommand.
func NewCompileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compile <file>",
		Short: "Lower a graph document to a PathSim script",
		Args:  cobra.ExactArgs(1),
		RunE:  runCompile,
	}

	cmd.Flags().StringP("output", "o", "", "Output file path (default: stdout)")
	cmd.Flags().Bool("id-maps", false, "Emit the block-id and node-name map literals")
	cmd.Flags().Bool("no-run", false, "Emit the streaming variant instead of a blocking run")
	cmd.Flags().Bool("grouped", false, "Collapse root connections into one grouped list")
	cmd.Flags().String("code-context", "", "Python inserted verbatim after the imports")

	return cmd
}

// runCompile implements the compile pipeline:
//
//	read file → detect format → parse + validate → lower → write script
func runCompile(cmd *cobra.Command, args []string) error {
	g, settings, err := loadGraphArg(args[0])
	if err != nil {
		return err
	}

	idMaps, _ := cmd.Flags().GetBool("id-maps")
	noRun, _ := cmd.Flags().GetBool("no-run")
	grouped, _ := cmd.Flags().GetBool("grouped")
	codeContext, _ := cmd.Flags().GetString("code-context")

	result, err := codegen.Generate(g, settings, codegen.Options{
		IncludeIDMaps:      idMaps,
		IncludeRun:         !noRun,
		GroupedConnections: grouped,
		CodeContext:        codeContext,
	})
	if err != nil {
		return exitError(exitValidation, "lowering graph: %v", err)
	}

	return writeTextOutput(cmd, result.Script)
}

// loadGraphArg loads and validates the graph file named on the command
// line, mapping failures to the CLI exit codes.
func loadGraphArg(path string) (*core.Graph, core.SimulationSettings, error) {
	g, settings, err := loader.LoadGraph(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, settings, exitError(exitFileNotFound, "file not found: %s", path)
		}
		return nil, settings, exitError(exitValidation, "%v", err)
	}
	return g, settings, nil
}

// writeTextOutput writes text to the --output file or the command stdout.
func writeTextOutput(cmd *cobra.Command, text string) error {
	outputPath, _ := cmd.Flags().GetString("output")
	if outputPath != "" {
		if err := os.WriteFile(outputPath, []byte(text), 0o600); err != nil {
			return fmt.Errorf("writing output file: %w", err)
		}
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), text)
	return nil
}
