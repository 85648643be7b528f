package utils

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

type CANWriter interface {
	WriteFrame(ctx context.Context, frame can.Frame) error
	Close() error
}

// CANReader delivers received frames to handle until ctx is done or the
// socket fails.
type CANReader interface {
	Receive(ctx context.Context, handle func(can.Frame)) error
	Close() error
}

type SocketCANWriter struct {
	conn net.Conn
	tx   *socketcan.Transmitter
}

func NewSocketCANWriter(ctx context.Context, iface string) (*SocketCANWriter, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, errors.Wrapf(err, "socketcan dial %s", iface)
	}
	return &SocketCANWriter{
		conn: conn,
		tx:   socketcan.NewTransmitter(conn),
	}, nil
}

func (w *SocketCANWriter) WriteFrame(ctx context.Context, frame can.Frame) error {
	return w.tx.TransmitFrame(ctx, frame)
}

func (w *SocketCANWriter) Close() error {
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}

type SocketCANReader struct {
	conn      net.Conn
	recv      *socketcan.Receiver
	closeOnce sync.Once
	closeErr  error
}

func NewSocketCANReader(ctx context.Context, iface string) (*SocketCANReader, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, errors.Wrapf(err, "socketcan dial %s", iface)
	}
	return &SocketCANReader{
		conn: conn,
		recv: socketcan.NewReceiver(conn),
	}, nil
}

// Receive blocks in the socket read; cancelling ctx closes the socket to
// unblock it.
func (r *SocketCANReader) Receive(ctx context.Context, handle func(can.Frame)) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = r.Close()
		case <-stop:
		}
	}()

	for r.recv.Receive() {
		if r.recv.HasErrorFrame() {
			continue
		}
		handle(r.recv.Frame())
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.Wrap(r.recv.Err(), "socketcan receive")
}

func (r *SocketCANReader) Close() error {
	r.closeOnce.Do(func() {
		if r.conn != nil {
			r.closeErr = r.conn.Close()
		}
	})
	return r.closeErr
}
