package authsession

import (
	"bytes"
	"sync"
)

var readerPool = sync.Pool{
	New: func() any {
		return bytes.NewReader(nil)
	},
}

var bufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

var keyBufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, keyLen)
		return &b
	},
}

// PutBuffer wipes the buffer's content and returns it to the pool, so encoded
// session data does not linger in pooled memory.
func PutBuffer(buf *bytes.Buffer) {
	// buf.Bytes() is the unread portion, which is everything we wrote.
	b := buf.Bytes()
	clear(b)
	buf.Reset()
	bufferPool.Put(buf)
}
