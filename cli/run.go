package cli

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/flowscope/flowscope/backend"
	"github.com/flowscope/flowscope/bus"
	"github.com/flowscope/flowscope/core"
	"github.com/flowscope/flowscope/mutation"
	flowotel "github.com/flowscope/flowscope/otel"
	"github.com/flowscope/flowscope/sim"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a graph with streaming results",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().String("backend", "local", "Execution backend: local | remote")
	cmd.Flags().String("remote-url", "http://localhost:8090", "Session server base URL for the remote backend")
	cmd.Flags().StringArray("worker", nil, "Worker command argv (repeatable, default: python3 -m flowscope_worker)")
	cmd.Flags().String("duration", "", "Override the simulation duration expression")
	cmd.Flags().StringP("output", "o", "", "Write the final result to file (default: stdout)")
	cmd.Flags().String("format", "json", "Output format: json | csv")
	cmd.Flags().Duration("timeout", 10*time.Minute, "Execution timeout")
	cmd.Flags().Bool("progress", true, "Show live progress on stderr")
	cmd.Flags().String("otlp-endpoint", "", "Export run traces to this OTLP HTTP collector")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	g, settings, err := loadGraphArg(args[0])
	if err != nil {
		return err
	}
	if duration, _ := cmd.Flags().GetString("duration"); duration != "" {
		settings.Duration = duration
	}

	stderr := cmd.ErrOrStderr()
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	tracingH, metricsH, shutdown, err := setupRunTelemetry(cmd)
	if err != nil {
		return err
	}
	if shutdown != nil {
		defer func() { _ = shutdown(context.Background()) }()
	}

	kind, err := resolveBackendKind(cmd)
	if err != nil {
		return err
	}
	workerCmd, _ := cmd.Flags().GetStringArray("worker")
	remoteURL, _ := cmd.Flags().GetString("remote-url")

	backends := backend.NewRegistry(backend.RegistryConfig{
		Preference: func() backend.Kind { return kind },
		Local:      backend.LocalConfig{Command: workerCmd, Logger: logger},
		Remote:     backend.RemoteConfig{BaseURL: remoteURL, Logger: logger},
	})
	defer backends.Close()

	showProgress, _ := cmd.Flags().GetBool("progress")
	display := runEventDisplay(stderr, showProgress)

	done := make(chan sim.Event, 1)
	fan := func(e sim.Event) {
		if tracingH != nil {
			tracingH.Handle(e)
		}
		if metricsH != nil {
			metricsH.Handle(e)
		}
		display(e)
		if e.Kind.Terminal() {
			select {
			case done <- e:
			default:
			}
		}
	}
	emit := sim.EventEmitter(fan)
	if tracingH != nil {
		emit = flowotel.EnrichEmitter(emit, tracingH)
	}
	throttled := bus.NewThrottledEmitter(emit, bus.ThrottleConfig{})
	defer throttled.Close()

	ctrl, err := sim.NewController(sim.Config{
		Backends: backends,
		Queue:    mutation.NewQueue(nil, logger),
		Emit:     throttled.Emit,
		Logger:   logger,
	})
	if err != nil {
		return exitError(exitRuntime, "creating controller: %v", err)
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	if _, err := ctrl.Run(ctx, g, settings); err != nil {
		return exitError(exitBackend, "starting run: %v", err)
	}

	select {
	case <-ctx.Done():
		ctrl.ForceStop()
		return exitError(exitTimeout, "execution timed out after %s", timeout)
	case e := <-done:
		if e.Kind == sim.EventRunFailed {
			if msg, ok := e.Payload["error"].(string); ok {
				return exitError(exitRuntime, "run failed: %s", msg)
			}
			return exitError(exitRuntime, "run failed")
		}
	}

	return writeRunResult(cmd, ctrl.State().Result)
}

// setupRunTelemetry builds the tracing and metrics handlers when an OTLP
// endpoint is configured. All returns are nil when telemetry is off.
func setupRunTelemetry(cmd *cobra.Command) (*flowotel.TracingHandler, *flowotel.MetricsHandler, func(context.Context) error, error) {
	endpoint, _ := cmd.Flags().GetString("otlp-endpoint")
	if endpoint == "" {
		return nil, nil, nil, nil
	}

	shutdown, err := flowotel.SetupTracing(cmd.Context(), flowotel.TracingConfig{
		Endpoint: endpoint,
		Insecure: true,
	})
	if err != nil {
		return nil, nil, nil, exitError(exitRuntime, "setting up tracing: %v", err)
	}

	tracingH := flowotel.NewTracingHandler(otelapi.Tracer("flowscope/run"))
	metricsH, err := flowotel.NewMetricsHandler(otelapi.GetMeterProvider().Meter("flowscope/run"))
	if err != nil {
		_ = shutdown(context.Background())
		return nil, nil, nil, exitError(exitRuntime, "setting up metrics: %v", err)
	}
	return tracingH, metricsH, shutdown, nil
}

func resolveBackendKind(cmd *cobra.Command) (backend.Kind, error) {
	name, _ := cmd.Flags().GetString("backend")
	switch backend.Kind(name) {
	case backend.KindLocal:
		return backend.KindLocal, nil
	case backend.KindRemote:
		return backend.KindRemote, nil
	default:
		return "", exitError(exitBackend, "unknown backend %q (want local or remote)", name)
	}
}

// runEventDisplay renders run events for a terminal: worker output is
// forwarded, progress redraws one stderr line.
func runEventDisplay(w io.Writer, showProgress bool) sim.EventEmitter {
	return func(e sim.Event) {
		switch e.Kind {
		case sim.EventRunStdout, sim.EventRunStderr:
			if line, ok := e.Payload["line"].(string); ok {
				fmt.Fprintln(w, line)
			}
		case sim.EventRunProgress:
			if !showProgress {
				return
			}
			if p, ok := e.Payload["progress"].(float64); ok {
				fmt.Fprintf(w, "\rprogress %3.0f%%", p*100)
			}
		case sim.EventRunFinished:
			if showProgress {
				fmt.Fprint(w, "\r")
			}
			fmt.Fprintln(w, "run finished")
		case sim.EventRunStopped:
			fmt.Fprintln(w, "run stopped")
		case sim.EventRunFailed:
			if msg, ok := e.Payload["error"].(string); ok {
				fmt.Fprintf(w, "run failed: %s\n", msg)
			}
		}
	}
}

func writeRunResult(cmd *cobra.Command, result *core.Result) error {
	format, _ := cmd.Flags().GetString("format")
	outputPath, _ := cmd.Flags().GetString("output")

	var out io.Writer = cmd.OutOrStdout()
	if outputPath != "" {
		f, err := os.Create(outputPath) // #nosec G304 -- path from user CLI arg
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case "csv":
		return writeScopeCSV(out, result)
	default:
		return exitError(exitValidation, "unknown format %q (want json or csv)", format)
	}
}

// writeScopeCSV writes scope traces in long form: one row per sample per
// signal, so mixed-length traces share one table.
func writeScopeCSV(out io.Writer, result *core.Result) error {
	w := csv.NewWriter(out)
	if err := w.Write([]string{"node", "signal", "time", "value"}); err != nil {
		return err
	}

	ids := make([]string, 0, len(result.ScopeData))
	for id := range result.ScopeData {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		tr := result.ScopeData[id]
		for row, sig := range tr.Signals {
			label := "y" + strconv.Itoa(row)
			if row < len(tr.Labels) && tr.Labels[row] != "" {
				label = tr.Labels[row]
			}
			for i, v := range sig {
				if i >= len(tr.Time) {
					break
				}
				rec := []string{
					id,
					label,
					strconv.FormatFloat(tr.Time[i], 'g', -1, 64),
					strconv.FormatFloat(v, 'g', -1, 64),
				}
				if err := w.Write(rec); err != nil {
					return err
				}
			}
		}
	}
	w.Flush()
	return w.Error()
}
