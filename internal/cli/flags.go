package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"
)

// OrderAPIFlags are the order-api mode flags.
type OrderAPIFlags struct {
	Config        string
	Port          int
	MaxConcurrent int
}

// ConsumerFlags are the delay-consumer mode flags.
type ConsumerFlags struct {
	Config   string
	Workers  int
	Prefetch int
}

// StandaloneFlags combine both sides plus a delay override.
type StandaloneFlags struct {
	OrderAPIFlags
	Workers  int
	Prefetch int
	TTL      time.Duration
}

// ParseOrderAPIFlags parses and validates order-api flags. flag.ErrHelp is
// returned as is when --help was asked for.
func ParseOrderAPIFlags(args []string, output io.Writer) (OrderAPIFlags, error) {
	var f OrderAPIFlags
	fs := newFlagSet(ModeOrderAPI, output)
	fs.StringVar(&f.Config, "config", DefaultConfigPath, "Path to the YAML config file")
	fs.IntVar(&f.Port, "port", 3000, "HTTP port for the API")
	fs.IntVar(&f.MaxConcurrent, "max-concurrent", 50, "Maximum number of requests served at once")

	if err := fs.Parse(args); err != nil {
		return f, err
	}
	return f, errors.Join(validatePort(f.Port), positive("max-concurrent", f.MaxConcurrent), noArgs(fs))
}

// ParseConsumerFlags parses and validates delay-consumer flags.
func ParseConsumerFlags(args []string, output io.Writer) (ConsumerFlags, error) {
	var f ConsumerFlags
	fs := newFlagSet(ModeDelayConsumer, output)
	fs.StringVar(&f.Config, "config", DefaultConfigPath, "Path to the YAML config file")
	fs.IntVar(&f.Workers, "workers", 4, "Number of concurrent workers")
	fs.IntVar(&f.Prefetch, "prefetch", 1, "RabbitMQ prefetch count per worker")

	if err := fs.Parse(args); err != nil {
		return f, err
	}
	return f, errors.Join(positive("workers", f.Workers), positive("prefetch", f.Prefetch), noArgs(fs))
}

// ParseStandaloneFlags parses and validates standalone flags.
func ParseStandaloneFlags(args []string, output io.Writer) (StandaloneFlags, error) {
	var f StandaloneFlags
	fs := newFlagSet(ModeStandalone, output)
	fs.StringVar(&f.Config, "config", DefaultConfigPath, "Path to the YAML config file")
	fs.IntVar(&f.Port, "port", 3000, "HTTP port for the API")
	fs.IntVar(&f.MaxConcurrent, "max-concurrent", 50, "Maximum number of requests served at once")
	fs.IntVar(&f.Workers, "workers", 4, "Number of concurrent workers")
	fs.IntVar(&f.Prefetch, "prefetch", 1, "Prefetch count per worker")
	fs.DurationVar(&f.TTL, "ttl", 0, "Delay before evaluation (overrides delay.ttl, e.g. 5s)")

	if err := fs.Parse(args); err != nil {
		return f, err
	}

	var ttlErr error
	if f.TTL < 0 {
		ttlErr = errors.New("--ttl must be >= 0")
	}
	return f, errors.Join(
		validatePort(f.Port),
		positive("max-concurrent", f.MaxConcurrent),
		positive("workers", f.Workers),
		positive("prefetch", f.Prefetch),
		ttlErr,
		noArgs(fs),
	)
}

func newFlagSet(mode string, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(mode, flag.ContinueOnError)
	fs.SetOutput(output)
	AttachUsage(fs, mode)
	return fs
}

// validatePort accepts ports between 1 and 65535.
func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port number %d. Only ports between 1-65535 are allowed", port)
	}
	return nil
}

func positive(name string, v int) error {
	if v <= 0 {
		return fmt.Errorf("--%s must be > 0", name)
	}
	return nil
}

func noArgs(fs *flag.FlagSet) error {
	if fs.NArg() != 0 {
		return fmt.Errorf("unexpected arguments %v. Make sure you follow the format", fs.Args())
	}
	return nil
}
