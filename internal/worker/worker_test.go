package worker_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripwire/filepulse/internal/parser"
	"github.com/tripwire/filepulse/internal/worker"
)

const tickInterval = 10 * time.Millisecond

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// resultCollector accumulates Results delivered across goroutine ticks.
type resultCollector struct {
	mu      sync.Mutex
	results []worker.Result
}

func (c *resultCollector) add(r worker.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
	return nil
}

func (c *resultCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

func (c *resultCollector) last() worker.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results[len(c.results)-1]
}

func waitForCount(t *testing.T, c *resultCollector, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d results, got %d", n, c.count())
}

func jsonParser() parser.Snapshot {
	return parser.SnapshotFunc(func(path string, kwargs map[string]any) (map[string]any, parser.Payload, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, err
		}
		return nil, parser.Payload{"raw": string(data)}, nil
	})
}

func TestSnapshot_DeliversOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	writeFile(t, path, `{"a":1}`)

	coll := &resultCollector{}
	sw := worker.NewSnapshot(worker.SnapshotConfig{
		Path:     path,
		Parser:   jsonParser(),
		Interval: tickInterval,
		OnResult: coll.add,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sw.Start(ctx)
	defer sw.Stop()

	<-sw.Ready()
	waitForCount(t, coll, 1)
	assert.Equal(t, `{"a":1}`, coll.last().Values["raw"])

	writeFile(t, path, `{"a":2}`)
	waitForCount(t, coll, 2)
	assert.Equal(t, `{"a":2}`, coll.last().Values["raw"])
}

func TestSnapshot_NoChangeNoDelivery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	writeFile(t, path, `{"a":1}`)

	coll := &resultCollector{}
	sw := worker.NewSnapshot(worker.SnapshotConfig{
		Path:     path,
		Parser:   jsonParser(),
		Interval: tickInterval,
		OnResult: coll.add,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sw.Start(ctx)
	defer sw.Stop()

	<-sw.Ready()
	waitForCount(t, coll, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, coll.count())
}

func TestSnapshot_StaticStopsAfterFirstResult(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.json")
	writeFile(t, path, `{"done":true}`)

	coll := &resultCollector{}
	sw := worker.NewSnapshot(worker.SnapshotConfig{
		Path:     path,
		Parser:   jsonParser(),
		Interval: tickInterval,
		Static:   true,
		OnResult: coll.add,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sw.Start(ctx)
	defer sw.Stop()

	<-sw.Ready()
	waitForCount(t, coll, 1)

	// Changing the file after settling must not produce a second result;
	// the worker has already terminated itself.
	writeFile(t, path, `{"done":false}`)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, coll.count())
}

func TestSnapshot_MissingFileIsTolerated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.json")

	coll := &resultCollector{}
	sw := worker.NewSnapshot(worker.SnapshotConfig{
		Path:     path,
		Parser:   jsonParser(),
		Interval: tickInterval,
		OnResult: coll.add,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sw.Start(ctx)
	defer sw.Stop()

	<-sw.Ready()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, coll.count())
}

func lineParser() parser.Incremental {
	return parser.IncrementalFunc(func(delta string, kwargs map[string]any) (map[string]any, any, error) {
		return nil, map[string]any{"line": delta}, nil
	})
}

func TestIncremental_DeliversAppendedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writeFile(t, path, "")

	coll := &resultCollector{}
	iw := worker.NewIncremental(worker.IncrementalConfig{
		Path:     path,
		Parser:   lineParser(),
		Interval: tickInterval,
		OnResult: coll.add,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	iw.Start(ctx)
	defer iw.Stop()

	<-iw.Ready()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("line one\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	waitForCount(t, coll, 1)
	assert.Contains(t, coll.last().Values["line"], "line one")
}

func TestIncremental_DeliversPreexistingContentAsFirstDelta(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writeFile(t, path, "already here\n")

	coll := &resultCollector{}
	iw := worker.NewIncremental(worker.IncrementalConfig{
		Path:     path,
		Parser:   lineParser(),
		Interval: tickInterval,
		OnResult: coll.add,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	iw.Start(ctx)
	defer iw.Stop()

	<-iw.Ready()
	waitForCount(t, coll, 1)
	assert.Contains(t, coll.last().Values["line"], "already here")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("new line\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	waitForCount(t, coll, 2)
	assert.Contains(t, coll.last().Values["line"], "new line")
}

func TestIncremental_TruncationResetsOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writeFile(t, path, "")

	coll := &resultCollector{}
	iw := worker.NewIncremental(worker.IncrementalConfig{
		Path:     path,
		Parser:   lineParser(),
		Interval: tickInterval,
		OnResult: coll.add,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	iw.Start(ctx)
	defer iw.Stop()

	<-iw.Ready()

	appendLine(t, path, "first\n")
	waitForCount(t, coll, 1)

	// Truncate and rewrite shorter content; the worker should restart from
	// offset zero rather than erroring.
	writeFile(t, path, "two\n")
	waitForCount(t, coll, 2)
	assert.Contains(t, coll.last().Values["line"], "two")
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(line)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestIncremental_PartialLineHeldUntilNewline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writeFile(t, path, "")

	coll := &resultCollector{}
	iw := worker.NewIncremental(worker.IncrementalConfig{
		Path:     path,
		Parser:   lineParser(),
		Interval: tickInterval,
		OnResult: coll.add,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	iw.Start(ctx)
	defer iw.Stop()

	<-iw.Ready()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("no newline yet")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 0, coll.count())

	appendLine(t, path, " - complete\n")
	waitForCount(t, coll, 1)
	assert.Contains(t, coll.last().Values["line"], "no newline yet - complete")
}
