package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/super-hydro/superhydro/internal/client"
	"github.com/super-hydro/superhydro/internal/config"
	"github.com/super-hydro/superhydro/internal/dispatch"
	"github.com/super-hydro/superhydro/internal/models"
	"github.com/super-hydro/superhydro/internal/physics"
	"github.com/super-hydro/superhydro/internal/transport"
	"github.com/super-hydro/superhydro/pkg/logger"
)

func main() {
	log := logger.New()

	// Flag defaults follow the server's environment configuration.
	cfg, err := config.Load()
	if err != nil {
		log.Error("Failed to load configuration", logger.Err(err))
		os.Exit(1)
	}

	opts, err := parseFlags(cfg, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		log.Error("Client failed", logger.Err(err))
		os.Exit(1)
	}
}

// parseFlags reads the command line. Defaults for the address port and the
// round-trip timeout come from cfg.
func parseFlags(cfg *config.Config, args []string) (runOptions, error) {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	opts := runOptions{}
	fs.StringVar(&opts.addr, "addr", "localhost:"+cfg.NetworkPort, "request-reply address of the computation server")
	fs.StringVar(&opts.session, "session", "demo", "session to attach to")
	fs.StringVar(&opts.model, "model", "", "model to create the session with (server default if empty)")
	fs.Float64Var(&opts.cooling, "cooling", 0.01, "cooling to apply after attaching")
	fs.IntVar(&opts.frames, "frames", 10, "density frames to fetch")
	fs.DurationVar(&opts.interval, "interval", 100*time.Millisecond, "delay between frames")
	fs.DurationVar(&opts.timeout, "timeout", cfg.RoundTripTimeout, "round-trip timeout (ROUND_TRIP_TIMEOUT_MS)")
	fs.BoolVar(&opts.list, "list", false, "print the session's commands before polling")
	err := fs.Parse(args)
	return opts, err
}

type runOptions struct {
	addr     string
	session  string
	model    string
	cooling  float64
	frames   int
	interval time.Duration
	timeout  time.Duration
	list     bool
}

func run(opts runOptions) error {
	ctx := context.Background()

	tr, err := transport.Dial(ctx, opts.addr, opts.timeout)
	if err != nil {
		return err
	}
	defer tr.Close()

	c := client.New(tr, opts.session)
	if err := c.Attach(ctx, opts.model); err != nil {
		return fmt.Errorf("attach %s: %w", opts.session, err)
	}
	defer c.Detach(ctx)

	if opts.list {
		cmds, err := c.Commands(ctx)
		if err != nil {
			return err
		}
		fmt.Print(formatCommands(cmds))
	}

	if err := c.Set(ctx, "cooling", opts.cooling); err != nil {
		return err
	}

	for i := 0; i < opts.frames; i++ {
		density, err := c.GetArray(ctx, "density")
		if err != nil {
			return err
		}
		values, err := density.Float64s()
		if err != nil {
			return err
		}
		lo, hi := physics.DensityRange(values)
		fmt.Printf("frame %d: shape %v density [%.4g, %.4g]\n", i, density.Shape, lo, hi)
		time.Sleep(opts.interval)
	}
	return nil
}

// formatCommands lists each verb's targets in name order, one verb per line.
func formatCommands(cmds models.AvailableCommands) string {
	var b strings.Builder
	verbs := []struct {
		name string
		docs map[string]string
	}{
		{"do", cmds.Do},
		{"get", cmds.Get},
		{"set", cmds.Set},
		{"get_array", cmds.GetArray},
		{"set_array", cmds.SetArray},
	}
	for _, v := range verbs {
		fmt.Fprintf(&b, "%s: %s\n", v.name, strings.Join(dispatch.Names(v.docs), ", "))
	}
	return b.String()
}
