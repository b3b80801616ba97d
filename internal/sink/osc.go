package sink

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/hypebeast/go-osc/osc"

	"github.com/loqalabs/loqa-chatbox/internal/config"
)

// OSC sends each transcript as one OSC message, [string text, bool flag],
// from a socket bound once to the local address to a fixed destination.
type OSC struct {
	conn    *net.UDPConn
	remote  *net.UDPAddr
	address string
	logger  *slog.Logger
}

// NewOSC binds the local socket. A port already in use is a startup error.
func NewOSC(cfg config.SinkConfig, logger *slog.Logger) (*OSC, error) {
	remote, err := net.ResolveUDPAddr("udp", cfg.RemoteAddr)
	if err != nil {
		return nil, fmt.Errorf("osc remote address: %w", err)
	}
	var local *net.UDPAddr
	if cfg.LocalAddr != "" {
		if local, err = net.ResolveUDPAddr("udp", cfg.LocalAddr); err != nil {
			return nil, fmt.Errorf("osc local address: %w", err)
		}
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("osc bind %s: %w", cfg.LocalAddr, err)
	}

	logger = logger.With(slog.String("component", "osc-sink"))
	logger.Info("osc sink ready",
		slog.String("local", conn.LocalAddr().String()),
		slog.String("remote", remote.String()),
		slog.String("address", cfg.Address))
	return &OSC{conn: conn, remote: remote, address: cfg.Address, logger: logger}, nil
}

// LocalAddr is the bound source address.
func (o *OSC) LocalAddr() net.Addr { return o.conn.LocalAddr() }

func (o *OSC) Send(_ context.Context, text string, flag bool) error {
	msg := osc.NewMessage(o.address)
	msg.Append(text)
	msg.Append(flag)
	data, err := msg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("osc encode: %w", err)
	}
	if _, err := o.conn.WriteTo(data, o.remote); err != nil {
		return fmt.Errorf("osc send: %w", err)
	}
	o.logger.Debug("osc message sent", slog.String("text", text))
	return nil
}

func (o *OSC) Close() error {
	return o.conn.Close()
}
