package netutil

import (
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
)

// IsBenign reports errors that only mean the peer went away.
func IsBenign(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrClosedPipe)
}

type closeWriter interface {
	CloseWrite() error
}

// Splice copies bytes both ways until either side finishes, then closes both.
// It returns the first non-benign copy error.
func Splice(a, b net.Conn) error {
	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	pipe := func(dst, src net.Conn) {
		defer wg.Done()
		_, err := io.Copy(dst, src)
		if cw, ok := dst.(closeWriter); ok {
			cw.CloseWrite()
		} else {
			dst.Close()
		}
		if !IsBenign(err) {
			once.Do(func() { firstErr = err })
		}
	}
	wg.Add(2)
	go pipe(a, b)
	go pipe(b, a)
	wg.Wait()
	a.Close()
	b.Close()
	return firstErr
}
