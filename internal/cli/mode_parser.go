package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// Process roles. The binary runs exactly one of them.
const (
	ModeOrderAPI      = "order-api"
	ModeDelayConsumer = "delay-consumer"
	ModeStandalone    = "standalone"
)

// DefaultConfigPath is read when --config is not given; a missing file is fine.
const DefaultConfigPath = "config/config.yaml"

const binary = "./delayed-orders"

type modeInfo struct {
	name    string
	aliases []string
	summary string
	example string
}

// modes is ordered the way usage lists them.
var modes = []modeInfo{
	{
		name:    ModeOrderAPI,
		aliases: []string{"api", "producer"},
		summary: "accepts orders over HTTP and parks them in the RabbitMQ delay queue",
		example: "--mode=order-api --port=3000 --max-concurrent=50",
	},
	{
		name:    ModeDelayConsumer,
		aliases: []string{"consumer"},
		summary: "reads expired orders from the ready queue and settles them",
		example: "--mode=delay-consumer --workers=4 --prefetch=1",
	},
	{
		name:    ModeStandalone,
		aliases: []string{"all"},
		summary: "both roles in one process over the in-memory broker",
		example: "standalone --port=3000 --ttl=5s",
	},
}

// lookupMode resolves a mode name or alias to its canonical name.
func lookupMode(s string) (string, bool) {
	for _, m := range modes {
		if s == m.name {
			return m.name, true
		}
		for _, a := range m.aliases {
			if s == a {
				return m.name, true
			}
		}
	}
	return "", false
}

// ParseMode picks the role out of args and returns the rest for the role's
// own flag set. The role comes from --mode=<name> or from the first bare
// argument naming a role, so `delay-consumer --workers=8` works too.
// An empty mode with a nil error means none was given.
func ParseMode(args []string) (string, []string, error) {
	var mode string
	var rest []string

	for _, arg := range args {
		if v, ok := strings.CutPrefix(arg, "--mode="); ok {
			mode = v
			continue
		}
		if mode == "" {
			if name, ok := lookupMode(arg); ok {
				mode = name
				continue
			}
		}
		rest = append(rest, arg)
	}

	if mode == "" {
		return "", rest, nil
	}
	name, ok := lookupMode(mode)
	if !ok {
		return "", rest, fmt.Errorf("unknown mode %q", mode)
	}
	return name, rest, nil
}

// PrintUsage writes the role list and example invocations to w.
func PrintUsage(w io.Writer) {
	fmt.Fprint(w, "\033[36m")
	defer fmt.Fprint(w, "\033[0m")

	fmt.Fprintf(w, "Usage:\n  %s --mode=<mode> [flags]\n\nModes:\n", binary)
	tw := tabwriter.NewWriter(w, 0, 0, 4, ' ', 0)
	for _, m := range modes {
		fmt.Fprintf(tw, "  %s\t%s (aliases: %s)\n", m.name, m.summary, strings.Join(m.aliases, ", "))
	}
	tw.Flush()

	fmt.Fprintln(w, "\nExamples:")
	for _, m := range modes {
		fmt.Fprintf(w, "  %s %s\n", binary, m.example)
	}
	fmt.Fprintf(w, "  %s delay-consumer --config=%s\n", binary, DefaultConfigPath)
}

// AttachUsage makes --help on fs print the flags of one role.
func AttachUsage(fs *flag.FlagSet, mode string) {
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s --mode=%s [flags]\n", binary, mode)
		fs.PrintDefaults()
	}
}
