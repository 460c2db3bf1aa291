package runtime

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
)

var ErrInvalidRunner = errors.New("service run func is required")

type ServiceOptions struct {
	LogPrefix string

	// Run blocks until ctx is done or the service fails.
	Run func(ctx context.Context) error

	// DisableDotEnv disables `.env` loading (EXE_CODE_DOTENV=0 also disables it).
	DisableDotEnv bool
}

func RunService(ctx context.Context, opts ServiceOptions) error {
	if opts.LogPrefix == "" {
		opts.LogPrefix = "[exe-code]"
	}
	if opts.Run == nil {
		return ErrInvalidRunner
	}
	if !opts.DisableDotEnv {
		LoadDotEnvFromCaller(opts.LogPrefix, 2)
	}

	log.Printf("%s starting", opts.LogPrefix)
	err := opts.Run(ctx)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	log.Printf("%s stopped", opts.LogPrefix)
	return err
}

func RunServiceWithSignals(opts ServiceOptions) error {
	if opts.LogPrefix == "" {
		opts.LogPrefix = "[exe-code]"
	}
	if !opts.DisableDotEnv {
		LoadDotEnvFromCaller(opts.LogPrefix, 2)
		opts.DisableDotEnv = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return RunService(ctx, opts)
}
