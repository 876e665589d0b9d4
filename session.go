package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/stealthrocket/ioreplay/internal/ioreplay"
	"github.com/stealthrocket/ioreplay/internal/print/human"
	"github.com/stealthrocket/ioreplay/internal/replay"
)

// replayOptions are the options shared by the commands which run traces
// through the replay engine. Options left unset keep the value of the
// configuration file.
type replayOptions struct {
	format   traceFormat
	cpu      cpuNumber
	ignore   human.Path
	names    human.Path
	pacing   pacing
	scale    float64
	strict   bool
	trace    bool
	progress time.Duration
}

func (o *replayOptions) register(flagSet *flag.FlagSet, mode replay.Mode) {
	o.format = "auto"
	customVar(flagSet, &o.format, "f", "format")
	customVar(flagSet, &o.ignore, "ignore")
	customVar(flagSet, &o.names, "map")
	boolVar(flagSet, &o.strict, "strict")
	boolVar(flagSet, &o.trace, "trace")
	if mode == replay.Replicate {
		customVar(flagSet, &o.cpu, "cpu")
		customVar(flagSet, &o.pacing, "pacing")
		floatVar(flagSet, &o.scale, "scale")
		flagSet.DurationVar(&o.progress, "progress", 0, "")
	}
}

func (o *replayOptions) apply(config *ioreplay.Config) {
	if o.cpu.set {
		config.Replay.CPU = o.cpu.Nullable
	}
	if o.ignore != "" {
		config.Names.Ignore = ioreplay.NullableValue(o.ignore)
	}
	if o.names != "" {
		config.Names.Map = ioreplay.NullableValue(o.names)
	}
	if o.pacing != "" {
		config.Replay.Pacing = string(o.pacing)
	}
	if o.scale != 0 {
		config.Replay.Scale = o.scale
	}
	if o.strict {
		config.Replay.SelfHeal = false
	}
}

// session is a replay engine reading one trace file.
type session struct {
	config *ioreplay.Config
	logger *log.Logger
	trace  *ioreplay.Trace
	engine *replay.Engine
}

func openSession(cmd string, mode replay.Mode, o *replayOptions, args []string, configure ...func(*replay.Options)) (*session, error) {
	if len(args) != 1 {
		perrorf(`Expected exactly one trace file as argument` + useCmd(cmd))
		return nil, exitCode(2)
	}

	config, err := ioreplay.LoadConfig()
	if err != nil {
		return nil, err
	}
	o.apply(config)

	logger, err := config.NewLogger(os.Stderr, verbose || o.trace)
	if err != nil {
		return nil, err
	}
	names, err := config.LoadNames()
	if err != nil {
		return nil, err
	}
	opts, err := config.ReplayOptions(mode)
	if err != nil {
		return nil, err
	}
	opts.Names = names
	opts.Logger = logger
	opts.Trace = o.trace
	opts.Progress = o.progress
	for _, fn := range configure {
		fn(&opts)
	}

	format, err := ioreplay.ParseFormat(string(o.format))
	if err != nil {
		return nil, err
	}
	t, err := ioreplay.OpenTrace(args[0], format, logger)
	if err != nil {
		return nil, err
	}

	return &session{
		config: config,
		logger: logger,
		trace:  t,
		engine: replay.New(opts),
	}, nil
}

// run replays the whole trace then closes the engine.
func (s *session) run(ctx context.Context) (replay.Result, error) {
	res, err := s.engine.Run(ctx, s.trace)
	if cerr := s.engine.Close(); err == nil {
		err = cerr
	}
	if n := s.trace.ParseErrors(); n > 0 {
		s.logger.Warn("trace has lines which could not be parsed", "trace", s.trace.Path, "errors", n)
	}
	if errors.Is(err, context.Canceled) {
		s.logger.Warn("replay interrupted", "applied", res.Applied)
	}
	return res, err
}

func (s *session) Close() error {
	return s.trace.Close()
}
