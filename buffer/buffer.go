package buffer

import (
	"errors"

	"golang.org/x/sys/unix"
)

const DefaultCapacity = 4096 // 4kB

var ErrTooLarge = errors.New("buffer: exceeds size limit")

// Buffer is an append-only byte buffer. Capacity doubles when short; a single
// append that outgrows the doubled capacity allocates exactly what it needs.
// Reset keeps the backing array so keep-alive connections reuse it.
type Buffer struct {
	data  []byte
	limit int
}

// New returns a buffer refusing to grow beyond limit bytes. A limit of zero or
// less means unlimited.
func New(limit int) *Buffer {
	return &Buffer{limit: limit}
}

func (buffer *Buffer) Len() int {
	return len(buffer.data)
}

func (buffer *Buffer) Cap() int {
	return cap(buffer.data)
}

// Bytes returns the buffered contents. The slice aliases the buffer and is only
// valid until the next mutation.
func (buffer *Buffer) Bytes() []byte {
	return buffer.data
}

func (buffer *Buffer) Reset() {
	buffer.data = buffer.data[:0]
}

func (buffer *Buffer) Append(p []byte) error {
	if err := buffer.grow(len(p)); err != nil {
		return err
	}

	buffer.data = append(buffer.data, p...)
	return nil
}

// Discard drops the first n bytes, moving any tail to the front.
func (buffer *Buffer) Discard(n int) {
	if n >= len(buffer.data) {
		buffer.Reset()
		return
	}

	rest := copy(buffer.data, buffer.data[n:])
	buffer.data = buffer.data[:rest]
}

// ReadFd performs a single read from a non-blocking descriptor into spare
// capacity, growing by at most chunk bytes first.
func (buffer *Buffer) ReadFd(fd int, chunk int) (int, error) {
	if cap(buffer.data)-len(buffer.data) < chunk {
		want := chunk
		if buffer.limit > 0 && len(buffer.data)+want > buffer.limit {
			want = buffer.limit - len(buffer.data)
		}
		if want <= 0 {
			return 0, ErrTooLarge
		}
		if err := buffer.grow(want); err != nil {
			return 0, err
		}
	}

	spare := buffer.data[len(buffer.data):cap(buffer.data)]
	if buffer.limit > 0 && len(buffer.data)+len(spare) > buffer.limit {
		spare = spare[:buffer.limit-len(buffer.data)]
	}
	if len(spare) == 0 {
		return 0, ErrTooLarge
	}

	n, err := unix.Read(fd, spare)
	if n > 0 {
		buffer.data = buffer.data[:len(buffer.data)+n]
	}
	if n < 0 {
		n = 0
	}
	return n, err
}

func (buffer *Buffer) grow(n int) error {
	need := len(buffer.data) + n
	if need <= cap(buffer.data) {
		return nil
	}
	if buffer.limit > 0 && need > buffer.limit {
		return ErrTooLarge
	}

	newCap := cap(buffer.data) * 2
	if newCap == 0 {
		newCap = DefaultCapacity
	}
	if newCap < need {
		newCap = need
	}
	if buffer.limit > 0 && newCap > buffer.limit {
		newCap = buffer.limit
	}

	data := make([]byte, len(buffer.data), newCap)
	copy(data, buffer.data)
	buffer.data = data
	return nil
}
