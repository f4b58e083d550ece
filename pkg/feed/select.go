package feed

import (
	"context"
	"errors"
	"fmt"
)

// Backend modes accepted by New.
const (
	ModeAuto   = "auto"
	ModePoll   = "poll"
	ModeStream = "stream"
)

// Options selects and configures a backend.
type Options struct {
	// Mode is ModeAuto, ModePoll or ModeStream. ModeAuto picks the stream
	// backend when Sessions is set and the poll backend otherwise.
	Mode string

	Poll   PollConfig
	Stream StreamConfig
}

// New builds the backend named by opts.Mode. For the stream backend a
// missing Stream.Session is bootstrapped from Stream.Sessions first.
func New(ctx context.Context, opts Options) (Fetcher, error) {
	mode := opts.Mode
	if mode == "" || mode == ModeAuto {
		mode = ModePoll
		if opts.Stream.Sessions != nil || opts.Stream.Session != nil {
			mode = ModeStream
		}
	}

	switch mode {
	case ModePoll:
		return NewPollFetcher(opts.Poll)
	case ModeStream:
		cfg := opts.Stream
		if cfg.Session == nil && cfg.Sessions != nil {
			session, err := cfg.Sessions.FetchSession(ctx)
			if err != nil {
				return nil, bootstrapError(cfg.Callbacks, err)
			}
			cfg.Session = session
		}
		return NewStreamFetcher(cfg)
	default:
		return nil, fmt.Errorf("unknown feed mode %q", opts.Mode)
	}
}

func bootstrapError(cb Callbacks, err error) error {
	if errors.Is(err, ErrUnauthorized) {
		cb.unauthorized()
	} else {
		cb.dataError(fmt.Sprintf("Unable to start the aircraft feed: %v.", err))
	}
	return fmt.Errorf("failed to bootstrap session: %w", err)
}
