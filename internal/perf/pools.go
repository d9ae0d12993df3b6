// Package perf provides small object pools used on hot paths.
package perf

import (
	"bytes"
	"strings"
	"sync"
)

// StringBuilderPool provides reusable strings.Builder instances for
// accumulating streamed reply content.
var StringBuilderPool = sync.Pool{
	New: func() interface{} {
		return &strings.Builder{}
	},
}

func AcquireStringBuilder() *strings.Builder {
	return StringBuilderPool.Get().(*strings.Builder)
}

func ReleaseStringBuilder(sb *strings.Builder) {
	if sb == nil {
		return
	}
	sb.Reset()
	StringBuilderPool.Put(sb)
}

// ByteBufferPool provides reusable bytes.Buffer instances for JSON encoding.
var ByteBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

func AcquireByteBuffer() *bytes.Buffer {
	return ByteBufferPool.Get().(*bytes.Buffer)
}

func ReleaseByteBuffer(b *bytes.Buffer) {
	if b == nil {
		return
	}
	b.Reset()
	ByteBufferPool.Put(b)
}
