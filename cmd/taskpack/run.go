package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aristath/taskpack/internal/events"
	"github.com/aristath/taskpack/internal/pipeline"
	"github.com/aristath/taskpack/internal/service"
	"github.com/aristath/taskpack/internal/taskpack"
	"github.com/aristath/taskpack/internal/tui"
)

// Output formats for run.
const (
	formatJSON    = "json"
	formatSummary = "summary"
)

func runCmd(a *app) *cobra.Command {
	var (
		id     string
		format string
		single bool
		useTUI bool
	)

	cmd := &cobra.Command{
		Use:   "run --id ID [description]",
		Short: "Generate the Task Pack for one work item",
		Long: `Generate the Task Pack for one work item. The description is taken from
the arguments, or from stdin when no arguments are given or the only
argument is "-".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != formatJSON && format != formatSummary {
				return fmt.Errorf("unknown format %q (want %s or %s)", format, formatJSON, formatSummary)
			}

			desc := strings.Join(args, " ")
			if len(args) == 0 || desc == "-" {
				var err error
				if desc, err = readAll(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			item := taskpack.WorkItem{ID: id, Description: strings.TrimSpace(desc)}
			if err := item.Validate(); err != nil {
				return a.report(cmd, err)
			}

			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			var bus *events.EventBus
			if useTUI {
				bus = events.NewEventBus()
				defer bus.Close()
				// Keep log lines off the alternate screen.
				a.logger = a.logger.WithOptions(zap.IncreaseLevel(zapcore.ErrorLevel))
			}

			svc, closeStore, err := a.buildService(ctx, cfg, serviceOptions{single: single, bus: bus})
			if err != nil {
				return err
			}
			defer closeStore()

			var out *service.Outcome
			if useTUI {
				out, err = runWithTUI(ctx, svc, bus, item)
				if err != nil {
					return err
				}
			} else {
				out = svc.SubmitItem(ctx, item)
			}

			if out.Err != nil {
				a.logRaw(out.Err)
				return a.report(cmd, out.Err)
			}
			return writePack(cmd.OutOrStdout(), out.Pack, format)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Work item ID (required)")
	cmd.Flags().StringVarP(&format, "format", "f", formatJSON, "Output format: json or summary")
	cmd.Flags().BoolVar(&single, "single", false, "Use the single-stage pipeline")
	cmd.Flags().BoolVar(&useTUI, "tui", false, "Show live stage progress")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// runWithTUI runs item while a Bubble Tea program follows its events.
// Quitting the TUI before the run finishes cancels the run.
func runWithTUI(ctx context.Context, svc *service.Service, bus *events.EventBus, item taskpack.WorkItem) (*service.Outcome, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe before the run starts so no event is missed.
	p := tea.NewProgram(tui.New(bus), tea.WithAltScreen(), tea.WithContext(ctx))

	done := make(chan *service.Outcome, 1)
	go func() {
		done <- svc.SubmitItem(runCtx, item)
	}()

	final, err := p.Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		cancel()
		<-done
		return nil, fmt.Errorf("running TUI: %w", err)
	}
	if m, ok := final.(tui.Model); !ok || !m.Done() {
		cancel()
	}
	return <-done, nil
}

func writePack(w io.Writer, pack *taskpack.TaskPack, format string) error {
	if format == formatSummary {
		_, err := fmt.Fprint(w, tui.RenderSummary(pack))
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(pack)
}

// report writes err with its HTTP status class to stderr.
func (a *app) report(cmd *cobra.Command, err error) error {
	fmt.Fprintln(cmd.ErrOrStderr(), service.Describe(err))
	return errReported
}

// logRaw logs the model output behind an output failure at debug level.
func (a *app) logRaw(err error) {
	var perr *pipeline.Error
	if errors.As(err, &perr) && perr.Raw != "" {
		a.logger.Debug("rejected model output",
			zap.String("stage", perr.Stage),
			zap.String("kind", perr.Kind.String()),
			zap.String("raw", perr.Raw))
	}
}

// batchResult is one line of batch output.
type batchResult struct {
	WorkItemID string             `json:"work_item_id"`
	Attempts   int                `json:"attempts"`
	Status     int                `json:"status"`
	Retryable  bool               `json:"retryable,omitempty"`
	Error      string             `json:"error,omitempty"`
	TaskPack   *taskpack.TaskPack `json:"task_pack,omitempty"`
}

func batchCmd(a *app) *cobra.Command {
	var single bool

	cmd := &cobra.Command{
		Use:   "batch FILE",
		Short: "Generate Task Packs for a JSON array of work items",
		Long: `Generate Task Packs for many work items concurrently. FILE holds a JSON
array of {"work_item_id": ..., "description": ...} objects; "-" reads
stdin. Results are printed as a JSON array in input order.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := readBatch(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			svc, closeStore, err := a.buildService(cmd.Context(), cfg, serviceOptions{single: single})
			if err != nil {
				return err
			}
			defer closeStore()

			outcomes := svc.SubmitBatch(cmd.Context(), items)
			results := make([]batchResult, len(outcomes))
			failed := 0
			for i, out := range outcomes {
				results[i] = batchResult{
					WorkItemID: out.WorkItemID,
					Attempts:   out.Attempts,
					Status:     service.StatusCode(out.Err),
					TaskPack:   out.Pack,
				}
				if out.Err != nil {
					failed++
					a.logRaw(out.Err)
					results[i].Error = out.Err.Error()
					results[i].Retryable = service.Retryable(out.Err)
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(results); err != nil {
				return err
			}
			if failed > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "%d of %d work items failed\n", failed, len(items))
				return errReported
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&single, "single", false, "Use the single-stage pipeline")
	return cmd
}

func readBatch(stdin io.Reader, path string) ([]taskpack.WorkItem, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading work items: %w", err)
	}

	var items []taskpack.WorkItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parsing work items: %w", err)
	}
	if len(items) == 0 {
		return nil, errors.New("no work items")
	}
	return items, nil
}
