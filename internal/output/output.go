// Package output provides consistent CLI output formatting with colors and
// progress indicators.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/autokb/faultmatch/internal/errors"
	"github.com/autokb/faultmatch/internal/match"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	idStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	scoreStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	whyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	faintStyle  = lipgloss.NewStyle().Faint(true)

	modeStyles = map[match.Mode]lipgloss.Style{
		match.ModeDirect:  lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		match.ModeLLM:     lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true),
		match.ModeGray:    lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
		match.ModeReject:  lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		match.ModeNoMatch: lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	}
)

// Writer provides formatted output for CLI.
type Writer struct {
	out    io.Writer
	styled bool
}

// New creates a Writer. Styling is enabled only when writing to a
// terminal and NO_COLOR is unset.
func New(out io.Writer) *Writer {
	styled := false
	if f, ok := out.(*os.File); ok {
		styled = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	if os.Getenv("NO_COLOR") != "" {
		styled = false
	}
	return &Writer{out: out, styled: styled}
}

func (w *Writer) render(style lipgloss.Style, s string) string {
	if !w.styled {
		return s
	}
	return style.Render(s)
}

// Status prints a status message with an icon.
// Errors from writing are intentionally ignored for console output.
func (w *Writer) Status(icon, msg string) {
	if icon != "" {
		_, _ = fmt.Fprintf(w.out, "%s %s\n", icon, msg)
	} else {
		_, _ = fmt.Fprintf(w.out, "   %s\n", msg)
	}
}

// Statusf prints a formatted status message with an icon.
func (w *Writer) Statusf(icon, format string, args ...any) {
	w.Status(icon, fmt.Sprintf(format, args...))
}

// Success prints a success message with checkmark.
func (w *Writer) Success(msg string) {
	w.Status("✅", msg)
}

// Successf prints a formatted success message.
func (w *Writer) Successf(format string, args ...any) {
	w.Success(fmt.Sprintf(format, args...))
}

// Warning prints a warning message.
func (w *Writer) Warning(msg string) {
	w.Status("⚠️ ", msg)
}

// Warningf prints a formatted warning message.
func (w *Writer) Warningf(format string, args ...any) {
	w.Warning(fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (w *Writer) Error(msg string) {
	w.Status("❌", msg)
}

// Errorf prints a formatted error message.
func (w *Writer) Errorf(format string, args ...any) {
	w.Error(fmt.Sprintf(format, args...))
}

// Failure prints err under a heading, followed by its hint and code
// when the error carries them.
func (w *Writer) Failure(heading string, err error) {
	lines := strings.Split(strings.TrimRight(errors.FormatForCLI(err), "\n"), "\n")
	w.Errorf("%s: %s", heading, strings.TrimPrefix(lines[0], "Error: "))
	for _, line := range lines[1:] {
		w.Status("", strings.TrimSpace(line))
	}
}

// Newline prints an empty line.
func (w *Writer) Newline() {
	_, _ = fmt.Fprintln(w.out)
}

// Match renders one matching response: the decision banner, then the
// ranked candidates with their component scores and reason tags.
func (w *Writer) Match(resp *match.Response) {
	mode := resp.Decision.Mode
	style, ok := modeStyles[mode]
	if !ok {
		style = headerStyle
	}

	chosen := "-"
	if resp.Decision.ChosenID != nil {
		chosen = *resp.Decision.ChosenID
	}
	_, _ = fmt.Fprintf(w.out, "%s  chosen=%s  confidence=%.3f  (%s)\n",
		w.render(style, strings.ToUpper(string(mode))),
		w.render(idStyle, chosen),
		resp.Decision.Confidence,
		resp.Decision.Reason)
	if resp.Decision.LLM != nil {
		_, _ = fmt.Fprintf(w.out, "   %s\n",
			w.render(faintStyle, fmt.Sprintf("llm: %s (%.2f) %s",
				resp.Decision.LLM.ChosenID, resp.Decision.LLM.Confidence, resp.Decision.LLM.Reason)))
	}
	w.Newline()

	if len(resp.Top) == 0 {
		w.Status("", w.render(faintStyle, "no candidates"))
		return
	}

	for i, c := range resp.Top {
		_, _ = fmt.Fprintf(w.out, "%2d. %s  %s\n", i+1,
			w.render(idStyle, c.ID),
			c.Text)
		_, _ = fmt.Fprintf(w.out, "    %s  %s\n",
			w.render(scoreStyle, fmt.Sprintf("final=%.3f bm25=%.3f cosine=%.3f rerank=%.3f",
				c.FinalScore, c.BM25Score, c.Cosine, c.RerankScore)),
			w.render(whyStyle, strings.Join(c.Why, " ")))
		if len(c.Sources) > 0 {
			_, _ = fmt.Fprintf(w.out, "    %s\n",
				w.render(faintStyle, "sources: "+joinSources(c.Sources)))
		}
	}

	_, _ = fmt.Fprintf(w.out, "\n%s\n",
		w.render(faintStyle, fmt.Sprintf("total=%d rerank_used=%v llm_used=%v",
			resp.Total, resp.Metadata.RerankUsed, resp.Metadata.LLMUsed)))
}

// Stats renders corpus statistics.
func (w *Writer) Stats(docCount int, systems, vehicleTypes map[string]int, popAvg, popMax float64) {
	_, _ = fmt.Fprintf(w.out, "%s %d\n", w.render(headerStyle, "documents:"), docCount)
	_, _ = fmt.Fprintf(w.out, "%s avg=%.1f max=%.1f\n",
		w.render(headerStyle, "popularity:"), popAvg, popMax)
	if len(systems) > 0 {
		_, _ = fmt.Fprintf(w.out, "%s\n", w.render(headerStyle, "systems:"))
		for name, count := range systems {
			_, _ = fmt.Fprintf(w.out, "  %s: %d\n", name, count)
		}
	}
	if len(vehicleTypes) > 0 {
		_, _ = fmt.Fprintf(w.out, "%s\n", w.render(headerStyle, "vehicle types:"))
		for name, count := range vehicleTypes {
			_, _ = fmt.Fprintf(w.out, "  %s: %d\n", name, count)
		}
	}
}

// Progress prints a progress bar with message.
func (w *Writer) Progress(current, total int, msg string) {
	if total <= 0 {
		return
	}

	pct := float64(current) / float64(total) * 100
	bar := renderProgressBar(current, total, 30)

	// Carriage return for in-place updates.
	_, _ = fmt.Fprintf(w.out, "\r[%s] %.0f%% %s", bar, pct, msg)

	if current >= total {
		_, _ = fmt.Fprintln(w.out)
	}
}

// ProgressDone completes a progress line with newline.
func (w *Writer) ProgressDone() {
	_, _ = fmt.Fprintln(w.out)
}

func joinSources(sources []match.Source) string {
	parts := make([]string, len(sources))
	for i, s := range sources {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

// renderProgressBar creates a text progress bar.
func renderProgressBar(current, total, width int) string {
	if total <= 0 {
		return strings.Repeat("░", width)
	}

	pct := float64(current) / float64(total)
	filled := int(pct * float64(width))

	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}

	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}
