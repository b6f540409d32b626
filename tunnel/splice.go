package tunnel

import (
	"io"

	"github.com/pkg/errors"
)

// closeWriter is satisfied by net.TCPConn and gossh.Channel; it lets one
// direction of a splice finish while the other keeps flowing.
type closeWriter interface {
	CloseWrite() error
}

// BidirectionalPipeline splices bytes between two streams until either
// side closes, propagating half-close where the streams support it, and
// records the number of bytes written to each.
type BidirectionalPipeline struct {
	a, b               io.ReadWriter
	writtenA, writtenB int64
}

func NewBidirectionalPipeline(a, b io.ReadWriter) *BidirectionalPipeline {
	return &BidirectionalPipeline{a: a, b: b}
}

// Run starts the bidirectional copying of bytes and blocks until both
// directions have finished.
func (p *BidirectionalPipeline) Run() error {
	// Buffered error channel so both sides can report without blocking.
	cerr := make(chan error, 2)
	go func() {
		cerr <- copyWithCounter(p.a, p.b, &p.writtenB)
	}()
	go func() {
		cerr <- copyWithCounter(p.b, p.a, &p.writtenA)
	}()

	var first error
	for i := 0; i < 2; i++ {
		if err := <-cerr; err != nil && first == nil {
			first = err
		}
	}
	return first
}

// copyWithCounter copies src to dst, tracks the number of bytes written,
// and half-closes dst when src is exhausted.
func copyWithCounter(src io.Reader, dst io.Writer, written *int64) error {
	count, err := io.Copy(io.MultiWriter(dst, CounterWriter{written}), src)
	*written = count

	if cw, ok := dst.(closeWriter); ok {
		if cerr := cw.CloseWrite(); cerr != nil && !errors.Is(cerr, io.EOF) && err == nil {
			err = cerr
		}
	}

	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// CounterWriter is a no-op Writer that records how many bytes have been
// written to it.
type CounterWriter struct {
	written *int64
}

// Write does nothing with the input byte slice but records the length.
func (b CounterWriter) Write(p []byte) (n int, err error) {
	count := len(p)
	*b.written += int64(count)
	return count, nil
}

// Written reports the bytes written to each side so far. Only meaningful
// after Run returns.
func (p *BidirectionalPipeline) Written() (toA int64, toB int64) {
	return p.writtenA, p.writtenB
}
