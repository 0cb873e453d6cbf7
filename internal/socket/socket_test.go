package socket

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/ustacklabs/ustackd/internal/stackerr"
)

func TestEndpoint_WriteThenReadDelivers(t *testing.T) {
	e := NewEndpoint(clockwork.NewFakeClock())
	_, err := e.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := e.Read(ctx, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestEndpoint_ReadBlocksUntilWrite(t *testing.T) {
	e := NewEndpoint(clockwork.NewFakeClock())
	done := make(chan struct{})
	buf := make([]byte, 16)
	var n int
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var err error
		n, err = e.Read(ctx, buf)
		require.NoError(t, err)
		close(done)
	}()

	for e.Waiters() == 0 {
		time.Sleep(time.Millisecond)
	}
	_, err := e.Write([]byte("world"))
	require.NoError(t, err)

	<-done
	require.Equal(t, "world", string(buf[:n]))
}

func TestEndpoint_CloseUnblocksReaderWithShutdown(t *testing.T) {
	e := NewEndpoint(clockwork.NewFakeClock())
	errCh := make(chan error, 1)
	buf := make([]byte, 16)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := e.Read(ctx, buf)
		errCh <- err
	}()

	for e.Waiters() == 0 {
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, e.Close())

	err := <-errCh
	require.ErrorIs(t, err, stackerr.ErrShutdown)
}
