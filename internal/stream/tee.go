package stream

import (
	"errors"
	"io"
)

// Tee fans one producer stream into N sinks. Each chunk read from the
// producer is handed to every sink before the next chunk is read, so the
// producer advances at the pace of the slowest consumer. When any sink fails
// the remaining sinks are cancelled and the producer is released.
type Tee struct {
	writers []*io.PipeWriter
	readers []*io.PipeReader
}

// NewTee creates a tee with n sinks.
func NewTee(n int) *Tee {
	t := &Tee{
		writers: make([]*io.PipeWriter, n),
		readers: make([]*io.PipeReader, n),
	}
	for i := 0; i < n; i++ {
		t.readers[i], t.writers[i] = io.Pipe()
	}
	return t
}

// Reader returns sink i's read side. Each is single-consumer.
func (t *Tee) Reader(i int) io.Reader { return t.readers[i] }

// CancelSink aborts sink i with err. The next chunk delivery observes the
// failure and Run tears the whole tee down.
func (t *Tee) CancelSink(i int, err error) {
	_ = t.readers[i].CloseWithError(err)
}

// Run pumps src until EOF or the first failure. On EOF every sink sees a
// clean end of stream; on failure every sink is closed with the error. Run
// returns the first sink or producer error.
func (t *Tee) Run(src io.Reader) error {
	buf := chunkPool.Get().([]byte)
	defer chunkPool.Put(buf)

	type writeResult struct {
		sink int
		err  error
	}
	results := make(chan writeResult, len(t.writers))

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			// Deliver to every sink concurrently: the producer waits for
			// the slowest sink, not the sum of all of them. A pipe write
			// returns only once its consumer has taken the bytes, so buf is
			// free for reuse after the barrier.
			for i, w := range t.writers {
				go func(i int, w *io.PipeWriter) {
					_, err := w.Write(buf[:n])
					results <- writeResult{sink: i, err: err}
				}(i, w)
			}
			var sinkErr *SinkError
			for range t.writers {
				res := <-results
				if res.err != nil && sinkErr == nil {
					sinkErr = &SinkError{Sink: res.sink, Err: res.err}
					// Unblocks the writes still parked on healthy sinks so
					// the barrier cannot hang on a stalled consumer.
					t.abort(res.err)
				}
			}
			if sinkErr != nil {
				return sinkErr
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				for _, w := range t.writers {
					_ = w.Close()
				}
				return nil
			}
			t.abort(readErr)
			return readErr
		}
	}
}

func (t *Tee) abort(err error) {
	for _, w := range t.writers {
		_ = w.CloseWithError(err)
	}
}

// SinkError reports which sink broke the tee.
type SinkError struct {
	Sink int
	Err  error
}

func (e *SinkError) Error() string { return e.Err.Error() }
func (e *SinkError) Unwrap() error { return e.Err }
