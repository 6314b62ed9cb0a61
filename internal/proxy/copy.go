package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// CopyBidirectional relays left<->right until either direction finishes,
// then closes both connections. Canceling ctx closes both as well.
//
// It returns the byte count copied in each direction. Normal closure by
// either peer, or by this function itself, is not an error.
func CopyBidirectional(ctx context.Context, left, right net.Conn) (leftToRight, rightToLeft int64, err error) {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var g errgroup.Group

	g.Go(func() error {
		defer closeBoth()
		n, err := copyBuffered(right, left)
		leftToRight = n
		return err
	})

	g.Go(func() error {
		defer closeBoth()
		n, err := copyBuffered(left, right)
		rightToLeft = n
		return err
	})

	err = g.Wait()
	return leftToRight, rightToLeft, err
}

func copyBuffered(dst io.Writer, src io.Reader) (int64, error) {
	buf := copyBuffers.Get()
	defer copyBuffers.Put(buf)

	n, err := io.CopyBuffer(dst, src, buf)
	if isClosedErr(err) {
		err = nil
	}
	return n, err
}

// isClosedErr reports whether err only says that a connection was closed,
// by the peer or locally.
func isClosedErr(err error) bool {
	return err == nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
