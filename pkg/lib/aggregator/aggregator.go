// Package aggregator forwards the log files of every node into one output stream.
package aggregator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SanjoDeundiak/cluster-harness/pkg/lib"
	"github.com/SanjoDeundiak/cluster-harness/pkg/lib/output_storage"
)

const defaultPollInterval = 250 * time.Millisecond

// Source is one node log destination.
type Source struct {
	Name string
	Path string
}

type Options struct {
	// PollInterval is the fallback re-check period when no file notification arrives.
	PollInterval time.Duration
	// OnLine is called for every line appended to the stream.
	OnLine func(lib.LogLine)
	Logger *slog.Logger
}

// Aggregator interleaves lines of several sources in arrival order. Lines of one source keep
// their order; no ordering across sources is attempted.
type Aggregator struct {
	sources []Source
	stream  *output_storage.OutputStorage
	opts    Options
	logger  *slog.Logger
}

func New(sources []Source, opts Options) *Aggregator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Aggregator{
		sources: append([]Source(nil), sources...),
		stream:  output_storage.RunNewOutputStorage(),
		opts:    opts,
		logger:  logger,
	}
}

// Subscribe streams every aggregated line, including those appended before the call.
func (a *Aggregator) Subscribe(ctx context.Context, capacity int) <-chan lib.LogLine {
	return a.stream.Subscribe(ctx, capacity)
}

// Lines returns a snapshot of the aggregated stream.
func (a *Aggregator) Lines() []lib.LogLine {
	return a.stream.Lines()
}

// Run follows every source and writes each line to w as "<source> | <text>".
// It blocks until ctx is done, whatever the state of the node processes, then writes the
// lines still pending and returns. Run must be called at most once.
func (a *Aggregator) Run(ctx context.Context, w io.Writer) error {
	lines := a.stream.Subscribe(context.Background(), 64)
	forwarded := make(chan error, 1)
	go func() {
		forwarded <- forward(lines, w)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, source := range a.sources {
		f := newFollower(source, a.opts.PollInterval, a.append, a.logger)
		g.Go(func() error {
			return f.run(gctx)
		})
	}
	a.logger.Info("following node logs", "sources", len(a.sources))

	err := g.Wait()
	a.stream.Stop()
	if ferr := <-forwarded; err == nil {
		err = ferr
	}
	return err
}

func (a *Aggregator) append(line lib.LogLine) {
	a.stream.Append(line)
	if a.opts.OnLine != nil {
		a.opts.OnLine(line)
	}
}

// forward writes every line until the channel closes. After a write error it keeps draining
// so the stream never blocks, and reports the first error.
func forward(lines <-chan lib.LogLine, w io.Writer) error {
	var firstErr error
	for line := range lines {
		if firstErr != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s | %s\n", line.Source, line.Text); err != nil {
			firstErr = fmt.Errorf("forward log line: %w", err)
		}
	}
	return firstErr
}
