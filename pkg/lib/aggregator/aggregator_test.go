package aggregator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SanjoDeundiak/cluster-harness/pkg/lib"
)

// syncBuffer is a bytes.Buffer safe for the forwarder goroutine and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type running struct {
	agg    *Aggregator
	out    *syncBuffer
	cancel context.CancelFunc
	done   chan error
}

func startAggregator(t *testing.T, sources ...Source) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{
		agg:    New(sources, Options{PollInterval: 20 * time.Millisecond}),
		out:    &syncBuffer{},
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() {
		r.done <- r.agg.Run(ctx, r.out)
	}()
	t.Cleanup(func() {
		cancel()
		<-r.done
	})
	return r
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		require.NoError(t, err)
		r.done <- err
	case <-time.After(2 * time.Second):
		t.Fatalf("aggregator did not return after cancel")
	}
}

func appendFile(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func linesOf(agg *Aggregator, source string) []string {
	var out []string
	for _, l := range agg.Lines() {
		if l.Source == source {
			out = append(out, l.Text)
		}
	}
	return out
}

func waitLines(t *testing.T, agg *Aggregator, source string, want []string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(linesOf(agg, source)) >= len(want)
	}, 3*time.Second, 10*time.Millisecond, "lines of %s: %v", source, linesOf(agg, source))
	assert.Equal(t, want, linesOf(agg, source))
}

func TestFollowsExistingAndAppendedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "n1.log")
	appendFile(t, path, "one\ntwo\n")

	r := startAggregator(t, Source{Name: "n1", Path: path})
	waitLines(t, r.agg, "n1", []string{"one", "two"})

	appendFile(t, path, "thr")
	appendFile(t, path, "ee\n\nfour\n")
	waitLines(t, r.agg, "n1", []string{"one", "two", "three", "", "four"})

	r.stop(t)
	assert.Equal(t, "n1 | one\nn1 | two\nn1 | three\nn1 | \nn1 | four\n", r.out.String())
}

func TestWaitsForFileToAppear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "n2.log")

	r := startAggregator(t, Source{Name: "n2", Path: path})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, r.agg.Lines())

	appendFile(t, path, "hello\n")
	waitLines(t, r.agg, "n2", []string{"hello"})
}

func TestRestartsAfterTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "n1.log")
	appendFile(t, path, "old line one\nold line two\n")

	r := startAggregator(t, Source{Name: "n1", Path: path})
	waitLines(t, r.agg, "n1", []string{"old line one", "old line two"})

	require.NoError(t, os.Truncate(path, 0))
	time.Sleep(60 * time.Millisecond)
	appendFile(t, path, "new\n")
	waitLines(t, r.agg, "n1", []string{"old line one", "old line two", "new"})
}

func TestInterleavesSourcesKeepingPerSourceOrder(t *testing.T) {
	dir := t.TempDir()
	p1 := filepath.Join(dir, "n1.log")
	p2 := filepath.Join(dir, "n2.log")

	r := startAggregator(t, Source{Name: "n1", Path: p1}, Source{Name: "n2", Path: p2})

	var want1, want2 []string
	for i := 0; i < 20; i++ {
		l1 := "a" + strings.Repeat("x", i)
		l2 := "b" + strings.Repeat("y", i)
		appendFile(t, p1, l1+"\n")
		appendFile(t, p2, l2+"\n")
		want1 = append(want1, l1)
		want2 = append(want2, l2)
	}

	waitLines(t, r.agg, "n1", want1)
	waitLines(t, r.agg, "n2", want2)

	r.stop(t)
	out := r.out.String()
	assert.Contains(t, out, "n1 | a\n")
	assert.Contains(t, out, "n2 | b\n")
	assert.Equal(t, 40, strings.Count(out, "\n"))
}

func TestRunBlocksUntilCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "n1.log")
	appendFile(t, path, "only line\n")

	r := startAggregator(t, Source{Name: "n1", Path: path})
	waitLines(t, r.agg, "n1", []string{"only line"})

	select {
	case err := <-r.done:
		t.Fatalf("aggregator returned on its own: %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	start := time.Now()
	r.stop(t)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPartialLineFlushedOnStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "n1.log")
	appendFile(t, path, "complete\nno newline yet")

	r := startAggregator(t, Source{Name: "n1", Path: path})
	waitLines(t, r.agg, "n1", []string{"complete"})

	r.stop(t)
	assert.Equal(t, []string{"complete", "no newline yet"}, linesOf(r.agg, "n1"))
	assert.Equal(t, "n1 | complete\nn1 | no newline yet\n", r.out.String())
}

func TestSubscribeSeesLinesAndOnLineHook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "n1.log")
	appendFile(t, path, "x\ny\n")

	var mu sync.Mutex
	var hooked []string
	agg := New([]Source{{Name: "n1", Path: path}}, Options{
		PollInterval: 20 * time.Millisecond,
		OnLine: func(l lib.LogLine) {
			mu.Lock()
			hooked = append(hooked, l.Text)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agg.Run(ctx, &syncBuffer{}) }()

	sub := agg.Subscribe(context.Background(), 4)
	for _, want := range []string{"x", "y"} {
		select {
		case l := <-sub:
			assert.Equal(t, want, l.Text)
			assert.Equal(t, "n1", l.Source)
		case <-time.After(2 * time.Second):
			t.Fatalf("no line %q from subscription", want)
		}
	}

	cancel()
	require.NoError(t, <-done)

	// The subscription closes once the stream is stopped.
	for range sub {
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"x", "y"}, hooked)
}
