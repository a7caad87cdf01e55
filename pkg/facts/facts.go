// Package facts gathers and interprets system information from target devices.
package facts

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/eugenetaranov/devcheck/internal/connector"
)

const (
	sysInfoCmd = "uname -rsm"
	qtInfoCmd  = "dpkg -l |grep libqt " +
		"|sed 's/[[:space:]][[:space:]]*/ /g' " +
		"|cut -d ' ' -f 2,3 |sed 's/~.*//g'"
)

var (
	unamePattern   = regexp.MustCompile(`Linux (\S+)\s(\S+)`)
	packagePattern = regexp.MustCompile(`libqt\S+ \d\.\d\.\d`)
)

// Report texts.
const (
	successHeader    = "Device configuration successful.\n"
	unexpectedHeader = "Device configuration test failed: Unexpected output:\n"
	transportHeader  = "Device configuration test failed:\n"
	noPackages       = "No Qt packages installed."
	packagesHeader   = "List of installed Qt packages:\n"
)

// Command returns the diagnostic command line run on a device: kernel
// identification followed by the installed Qt packages as "name version".
func Command() string {
	return sysInfoCmd + " && " + qtInfoCmd
}

// Kind tells which variant a Report is.
type Kind int

const (
	// KindSuccess carries kernel, architecture and packages.
	KindSuccess Kind = iota

	// KindUnexpectedOutput means the kernel marker was missing; Raw holds
	// the output for diagnosis.
	KindUnexpectedOutput

	// KindTransportError means the session failed; Err holds the cause.
	KindTransportError
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindUnexpectedOutput:
		return "unexpected output"
	case KindTransportError:
		return "transport error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Report is the result of a device configuration test.
type Report struct {
	Kind Kind

	// Kernel is the kernel version (KindSuccess).
	Kernel string

	// Architecture is the hardware architecture (KindSuccess).
	Architecture string

	// Packages lists "name version" descriptors in order of appearance
	// (KindSuccess).
	Packages []string

	// Raw is the unparsed output (KindUnexpectedOutput).
	Raw string

	// Err is the transport failure (KindTransportError).
	Err error
}

// TransportError wraps a session failure in a Report.
func TransportError(err error) *Report {
	return &Report{Kind: KindTransportError, Err: err}
}

// OK reports whether the test succeeded.
func (r *Report) OK() bool {
	return r.Kind == KindSuccess
}

// String renders the report as user-facing text.
func (r *Report) String() string {
	var b strings.Builder

	switch r.Kind {
	case KindTransportError:
		b.WriteString(transportHeader)
		if r.Err != nil {
			b.WriteString(r.Err.Error())
		}

	case KindUnexpectedOutput:
		b.WriteString(unexpectedHeader)
		b.WriteString(r.Raw)

	default:
		b.WriteString(successHeader)
		fmt.Fprintf(&b, "Hardware architecture: %s\n", r.Architecture)
		fmt.Fprintf(&b, "Kernel version: %s\n", r.Kernel)
		if len(r.Packages) == 0 {
			b.WriteString(noPackages)
			break
		}
		b.WriteString(packagesHeader)
		for _, p := range r.Packages {
			b.WriteString("\t" + p + "\n")
		}
	}

	return b.String()
}

// Parse interprets the output of Command.
func Parse(raw string) *Report {
	m := unamePattern.FindStringSubmatch(raw)
	if m == nil {
		return &Report{Kind: KindUnexpectedOutput, Raw: raw}
	}

	return &Report{
		Kind:         KindSuccess,
		Kernel:       m[1],
		Architecture: m[2],
		Packages:     findPackages(raw),
	}
}

// findPackages collects package descriptors. Each search resumes one byte
// after the start of the previous match, so overlapping candidates are all
// reported.
func findPackages(raw string) []string {
	var pkgs []string
	for from := 0; from <= len(raw); {
		loc := packagePattern.FindStringIndex(raw[from:])
		if loc == nil {
			break
		}
		start := from + loc[0]
		pkgs = append(pkgs, raw[start:from+loc[1]])
		from = start + 1
	}
	return pkgs
}

// Gather runs Command on an open connection and parses its output.
func Gather(ctx context.Context, conn connector.Connector) (*Report, error) {
	var out strings.Builder
	if err := conn.Stream(ctx, Command(), &out); err != nil {
		return nil, err
	}
	return Parse(out.String()), nil
}
