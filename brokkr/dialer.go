package brokkr

import (
	"context"
	"net"
	"time"
)

// DefaultDialer is the Dialer used by the package-level Dial functions.
var DefaultDialer = &Dialer{
	Timeout:   10 * time.Second,
	DualStack: true,
}

// Dialer mirrors the net.Dialer API but opens broker connections that
// speak the wire protocol instead of raw network connections.
type Dialer struct {
	// ClientID is sent in the header of every request. Brokers use it
	// for logging and quota bookkeeping.
	ClientID string

	// Timeout is the maximum amount of time a dial waits for the
	// connect to complete. With Deadline set the dial fails at
	// whichever comes first.
	Timeout time.Duration

	// Deadline is the absolute point in time after which the dial
	// fails. Zero means no deadline.
	Deadline time.Time

	// LocalAddr is the local address to dial from.
	LocalAddr net.Addr

	// DualStack enables RFC 6555-compliant "Happy Eyeballs" dialing.
	DualStack bool

	// FallbackDelay is how long to wait before spawning a fallback
	// connection under DualStack. Zero means the 300ms default.
	FallbackDelay time.Duration

	// KeepAlive is the keep-alive period for the network connection.
	KeepAlive time.Duration
}

// NewDialer returns a dialer with the given client id and the default
// timeouts.
func NewDialer(clientID string) *Dialer {
	return &Dialer{
		ClientID:  clientID,
		Timeout:   10 * time.Second,
		DualStack: true,
	}
}

// Dial connects to the broker at address on the named network.
func Dial(network, address string) (*Conn, error) {
	return DefaultDialer.Dial(network, address)
}

// DialContext is Dial bounded by ctx.
func DialContext(ctx context.Context, network, address string) (*Conn, error) {
	return DefaultDialer.DialContext(ctx, network, address)
}

// Dial connects to the broker at address on the named network.
func (d *Dialer) Dial(network, address string) (*Conn, error) {
	return d.DialContext(context.Background(), network, address)
}

// DialContext connects to the broker at address on the named network,
// bounded by ctx along with the dialer's own timeout and deadline.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (*Conn, error) {
	if d.Timeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	if !d.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, d.Deadline)
		defer cancel()
	}
	conn, err := d.dialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return NewConn(conn, d.ClientID)
}

func (d *Dialer) dialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return (&net.Dialer{
		LocalAddr:     d.LocalAddr,
		DualStack:     d.DualStack,
		FallbackDelay: d.FallbackDelay,
		KeepAlive:     d.KeepAlive,
	}).DialContext(ctx, network, address)
}
