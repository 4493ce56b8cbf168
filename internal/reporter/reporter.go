// Package reporter renders test progress and the final run summary.
// Reporters receive finished results; they never influence execution.
package reporter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"toolprobe/internal/registry"
	"toolprobe/internal/results"
)

// Reporter receives execution events. Implementations must tolerate
// concurrent calls from all workers.
type Reporter interface {
	// ReportRunStart is called once before any test executes.
	ReportRunStart(total int, parallel int)
	// ReportTestStart is called when a test begins executing.
	ReportTestStart(tc registry.TestCase)
	// ReportResult is called when a test finishes, in completion order.
	ReportResult(r results.TestResult)
	// ReportSummary is called once after all tests finish.
	ReportSummary(s results.RunSummary)
}

// Console is the standard terminal reporter.
type Console struct {
	mu         sync.Mutex
	verbose    bool
	reportPath string
	parallel   bool
}

// NewConsole creates a console reporter. When reportPath is non-empty, a
// detailed JSON report is written there at the end of the run.
func NewConsole(verbose bool, reportPath string) *Console {
	return &Console{
		verbose:    verbose,
		reportPath: reportPath,
	}
}

// ReportRunStart prints the run header.
func (c *Console) ReportRunStart(total int, parallel int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.parallel = parallel > 1
	fmt.Printf("🧪 Running %d tests", total)
	if c.parallel {
		fmt.Printf(" (%d parallel workers)", parallel)
	}
	fmt.Println()
}

// ReportTestStart prints the test name in verbose mode. In parallel mode
// starts interleave with results, so the start line carries the name too.
func (c *Console) ReportTestStart(tc registry.TestCase) {
	if !c.verbose {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Printf("🎯 Starting: %s (%s)\n", tc.Name, tc.Category)
}

// ReportResult prints one result line.
func (c *Console) ReportResult(r results.TestResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	symbol := outcomeSymbol(r.Outcome)
	line := fmt.Sprintf("%s %s (%v)", symbol, r.Name, r.Duration.Round(time.Millisecond))
	if c.parallel && r.WorkerID >= 0 {
		line += fmt.Sprintf(" [worker %d]", r.WorkerID)
	}
	if r.Error != "" && r.Outcome != results.OutcomePassed {
		line += fmt.Sprintf(": %s", r.Error)
	}
	fmt.Println(line)
}

// ReportSummary prints the summary table and optionally writes the JSON
// report file.
func (c *Console) ReportSummary(s results.RunSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Printf("\n🏁 Run complete in %v\n", s.Duration.Round(time.Millisecond))

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Outcome", "Count"})
	t.AppendRows([]table.Row{
		{"Passed", s.Passed},
		{"Failed", s.Failed},
		{"Skipped", s.Skipped},
		{"Cached", s.Cached},
		{"Timed out", s.TimedOut},
		{"Errored", s.Errored},
	})
	t.AppendFooter(table.Row{"Total", s.Total})
	t.SetStyle(table.StyleLight)
	t.Render()

	if len(s.WorkerErrors) > 0 {
		fmt.Println("\nErrors per worker:")
		ids := make([]int, 0, len(s.WorkerErrors))
		for id := range s.WorkerErrors {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			fmt.Printf("   worker %d: %d\n", id, s.WorkerErrors[id])
		}
	}

	if s.Succeeded() {
		fmt.Println("\n🎉 All tests passed!")
	} else {
		fmt.Println("\n💔 Some tests failed")
	}

	if c.reportPath != "" {
		if err := c.saveReport(s); err != nil {
			fmt.Printf("⚠️  Failed to save report: %v\n", err)
		} else {
			fmt.Printf("📄 Report saved to: %s\n", c.reportPath)
		}
	}
}

// saveReport writes the full summary as JSON, results sorted by name for a
// stable file across reruns.
func (c *Console) saveReport(s results.RunSummary) error {
	stable := s
	stable.Results = s.SortedByName()

	data, err := json.MarshalIndent(stable, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if dir := filepath.Dir(c.reportPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	return os.WriteFile(c.reportPath, data, 0o644)
}

func outcomeSymbol(o results.Outcome) string {
	switch o {
	case results.OutcomePassed:
		return "✅"
	case results.OutcomeFailed:
		return "❌"
	case results.OutcomeSkipped:
		return "⏭️ "
	case results.OutcomeCached:
		return "💾"
	case results.OutcomeTimeout:
		return "⏰"
	case results.OutcomeError:
		return "💥"
	default:
		return "❓"
	}
}

// Quiet only reports failures and the final one-line summary. Intended for
// CI output.
type Quiet struct {
	mu sync.Mutex
}

// NewQuiet creates a quiet reporter.
func NewQuiet() *Quiet {
	return &Quiet{}
}

func (q *Quiet) ReportRunStart(total int, parallel int) {}

func (q *Quiet) ReportTestStart(tc registry.TestCase) {}

func (q *Quiet) ReportResult(r results.TestResult) {
	switch r.Outcome {
	case results.OutcomeFailed, results.OutcomeError, results.OutcomeTimeout:
		q.mu.Lock()
		fmt.Printf("%s %s: %s\n", outcomeSymbol(r.Outcome), r.Name, r.Error)
		q.mu.Unlock()
	}
}

func (q *Quiet) ReportSummary(s results.RunSummary) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s.Succeeded() {
		fmt.Printf("✅ All %d tests passed (%v)\n", s.Total, s.Duration.Round(time.Millisecond))
	} else {
		fmt.Printf("❌ %d/%d tests failed (%v)\n",
			s.Failed+s.Errored+s.TimedOut, s.Total, s.Duration.Round(time.Millisecond))
	}
}
