// Package stream moves object bodies between the client and one or more
// backends chunk by chunk, without materializing whole objects in memory.
package stream

import (
	"io"
	"sync"
)

// ChunkSize is the unit of transfer between producer and sinks.
const ChunkSize = 256 * 1024

var chunkPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, ChunkSize)
	},
}

// Forward pumps src into dst through a pooled chunk buffer, propagating
// back-pressure from the sink to the producer.
func Forward(dst io.Writer, src io.Reader) (int64, error) {
	buf := chunkPool.Get().([]byte)
	defer chunkPool.Put(buf)
	return io.CopyBuffer(dst, src, buf)
}

// Drain fully reads and discards rc, then closes it, releasing the
// underlying connection.
func Drain(rc io.ReadCloser) {
	buf := chunkPool.Get().([]byte)
	_, _ = io.CopyBuffer(io.Discard, rc, buf)
	chunkPool.Put(buf)
	_ = rc.Close()
}
