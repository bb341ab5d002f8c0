package stream

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForward(t *testing.T) {
	payload := make([]byte, 3*ChunkSize+17)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	var dst bytes.Buffer
	n, err := Forward(&dst, bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, dst.Bytes())
}

type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestDrainClosesReader(t *testing.T) {
	rc := &closeTracker{Reader: strings.NewReader("leftover body")}
	Drain(rc)
	assert.True(t, rc.closed)
}

func TestTeeDeliversToAllSinks(t *testing.T) {
	payload := make([]byte, 2*ChunkSize+123)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	const sinks = 3
	tee := NewTee(sinks)
	collected := make([][]byte, sinks)
	var wg sync.WaitGroup
	for i := 0; i < sinks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := io.ReadAll(tee.Reader(i))
			assert.NoError(t, err)
			collected[i] = data
		}(i)
	}

	require.NoError(t, tee.Run(bytes.NewReader(payload)))
	wg.Wait()

	for i := 0; i < sinks; i++ {
		assert.Equal(t, payload, collected[i], "sink %d", i)
	}
}

func TestTeePacesAtSlowestConsumerNotSum(t *testing.T) {
	const chunks = 3
	const delay = 50 * time.Millisecond
	payload := make([]byte, chunks*ChunkSize)

	// Two equal-rate sinks, each pausing before taking a chunk. Concurrent
	// delivery costs about chunks*delay in total; sequential delivery would
	// cost the sum across sinks, about twice that.
	tee := NewTee(2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buf := make([]byte, ChunkSize)
			for {
				time.Sleep(delay)
				if _, err := io.ReadFull(tee.Reader(i), buf); err != nil {
					return
				}
			}
		}(i)
	}

	start := time.Now()
	require.NoError(t, tee.Run(bytes.NewReader(payload)))
	elapsed := time.Since(start)
	wg.Wait()

	assert.Less(t, elapsed, time.Duration(chunks)*delay*2-delay/2,
		"producer must advance at the slowest sink's pace, not the sum of all sinks")
}

func TestTeeFailFast(t *testing.T) {
	boom := errors.New("sink rejected")

	tee := NewTee(2)
	var wg sync.WaitGroup

	// Sink 0 consumes one chunk and then aborts.
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, ChunkSize)
		_, _ = io.ReadFull(tee.Reader(0), buf)
		tee.CancelSink(0, boom)
	}()

	// Sink 1 reads until the tee tears it down.
	var sink1Err error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, sink1Err = io.Copy(io.Discard, tee.Reader(1))
	}()

	payload := make([]byte, 8*ChunkSize)
	err := tee.Run(bytes.NewReader(payload))
	wg.Wait()

	require.Error(t, err)
	var sinkErr *SinkError
	require.ErrorAs(t, err, &sinkErr)
	assert.Equal(t, 0, sinkErr.Sink)
	assert.ErrorIs(t, sinkErr, boom)
	assert.ErrorIs(t, sink1Err, boom)
}

func TestTeeProducerErrorPropagates(t *testing.T) {
	boom := errors.New("client hung up")
	src := io.MultiReader(strings.NewReader("partial"), &failingReader{err: boom})

	tee := NewTee(1)
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(tee.Reader(0))
		done <- err
	}()

	err := tee.Run(src)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, <-done, boom)
}

type failingReader struct{ err error }

func (f *failingReader) Read([]byte) (int, error) { return 0, f.err }
