// Package output provides formatted terminal output for device tests and
// deployments.
package output

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/eugenetaranov/devcheck/internal/device"
	"github.com/eugenetaranov/devcheck/pkg/facts"
)

// Colors for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// Output handles formatted output. It is safe for concurrent use; test
// callbacks print from the session goroutine.
type Output struct {
	mu       sync.Mutex
	w        io.Writer
	useColor bool
	debug    bool
}

// New creates a new output handler.
func New(w io.Writer) *Output {
	return &Output{
		w:        w,
		useColor: true,
	}
}

// SetColor enables or disables color output.
func (o *Output) SetColor(enabled bool) {
	o.useColor = enabled
}

// SetDebug enables or disables debug output.
func (o *Output) SetDebug(enabled bool) {
	o.debug = enabled
}

// color returns the string wrapped in color codes if enabled.
func (o *Output) color(c, s string) string {
	if !o.useColor {
		return s
	}
	return c + s + colorReset
}

// Devices prints the device configurations as a table.
func (o *Output) Devices(devs []*device.Config) {
	if len(devs) == 0 {
		o.printf("%s\n", o.color(colorGray, "no device configurations"))
		return
	}

	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE\tHOST\tPORT\tUSER\tAUTH\tTIMEOUT")
	for _, d := range devs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%ds\n",
			d.Name, d.Type, d.Host, d.Port, d.User, d.Auth, d.Timeout)
	}
	_ = tw.Flush()

	lines := strings.SplitAfter(b.String(), "\n")
	o.printf("%s", o.color(colorBold, strings.TrimSuffix(lines[0], "\n")))
	o.printf("\n%s", strings.Join(lines[1:], ""))
}

// TestStart prints the device test banner.
func (o *Output) TestStart(name, target string) {
	o.printf("\n%s %s %s\n", o.color(colorBold, "TEST"), name, o.color(colorGray, "("+target+")"))
	if o.debug {
		o.printf("%s\n", strings.Repeat("-", 60))
	}
}

// Connected is called once the transport is up.
func (o *Output) Connected(target string) {
	o.Debug("connected to %s", target)
}

// Chunk echoes streamed command output of the named device (only in debug
// mode). Each line carries the device name since tests of several devices
// run at once.
func (o *Output) Chunk(name, chunk string) {
	if !o.debug {
		return
	}
	var b strings.Builder
	for _, line := range strings.SplitAfter(chunk, "\n") {
		if line == "" {
			continue
		}
		fmt.Fprintf(&b, "    %s %s %s", o.color(colorGray, name), o.color(colorGray, "│"), line)
		if !strings.HasSuffix(line, "\n") {
			b.WriteString("\n")
		}
	}
	o.printf("%s", b.String())
}

// Report prints the outcome of a device test.
func (o *Output) Report(r *facts.Report, elapsed time.Duration) {
	indicator, c := "✓", colorGreen
	if !r.OK() {
		indicator, c = "✗", colorRed
	}

	text := strings.TrimSuffix(r.String(), "\n")
	lines := strings.Split(text, "\n")
	o.printf("  %s %s %s\n", o.color(c, indicator), lines[0],
		o.color(colorGray, fmt.Sprintf("(%.2fs)", elapsed.Seconds())))
	for _, line := range lines[1:] {
		o.printf("    %s\n", line)
	}
}

// FileCopied prints one deployed file.
func (o *Output) FileCopied(local, remote string, size int64) {
	o.printf("  %s %s %s %s %s\n",
		o.color(colorGreen, "✓"),
		local,
		o.color(colorGray, "→"),
		remote,
		o.color(colorGray, "("+humanize.Bytes(uint64(size))+")"))
}

// DeployEnd prints the deployment summary.
func (o *Output) DeployEnd(copied, failed int, total int64, elapsed time.Duration) {
	o.printf("\n%s ", o.color(colorBold, "RECAP"))

	ok := o.color(colorGreen, "copied="+strconv.Itoa(copied))
	bad := o.color(colorRed, "failed="+strconv.Itoa(failed))
	o.printf("%s %s", ok, bad)
	o.printf(" %s\n", o.color(colorGray, fmt.Sprintf("(%s, %.2fs)", humanize.Bytes(uint64(total)), elapsed.Seconds())))
}

// Section prints a section header.
func (o *Output) Section(name string) {
	o.printf("\n%s\n", o.color(colorBold, name))
}

// Info prints an informational message.
func (o *Output) Info(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorBlue, "INFO"), fmt.Sprintf(format, args...))
}

// Warn prints a warning message.
func (o *Output) Warn(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorYellow, "WARN"), fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (o *Output) Error(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorRed, "ERROR"), fmt.Sprintf(format, args...))
}

// Debug prints a debug message (only in debug mode).
func (o *Output) Debug(format string, args ...any) {
	if o.debug {
		o.printf("%s %s\n", o.color(colorCyan, "DEBUG"), fmt.Sprintf(format, args...))
	}
}

func (o *Output) printf(format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.w, format, args...)
}
