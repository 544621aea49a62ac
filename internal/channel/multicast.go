// Package channel owns the two sockets a node uses on its multicast group:
// a receive socket bound to the group port and joined to the group, and an
// unbound send socket that only carries the TTL and loopback settings.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

const (
	// MaxPayload is the largest UDP payload an IPv4 datagram can carry.
	MaxPayload    = 65507
	MinRecvBuffer = 8192
)

var (
	ErrNotMulticast    = errors.New("group is not an IPv4 multicast address")
	ErrBind            = errors.New("bind receive socket")
	ErrJoin            = errors.New("join multicast group")
	ErrSocket          = errors.New("configure send socket")
	ErrSend            = errors.New("multicast send")
	ErrPayloadTooLarge = errors.New("payload exceeds UDP datagram limit")
)

type Options struct {
	Group      net.IP
	Port       int
	TTL        int
	Interface  string // Empty lets the kernel pick by route
	RecvBuffer int    // Read buffer size, raised to MinRecvBuffer if smaller
}

// Multicast is safe for one sender and one receiver running concurrently.
type Multicast struct {
	group *net.UDPAddr
	ifi   *net.Interface

	recvConn *net.UDPConn
	recv     *ipv4.PacketConn
	readMu   sync.Mutex
	buf      []byte

	sendConn *net.UDPConn
	send     *ipv4.PacketConn

	logger    *zap.Logger
	closeOnce sync.Once
	closeErr  error
}

// Open creates both sockets. Every error it returns is fatal for the node.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (*Multicast, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	group := opts.Group.To4()
	if group == nil || !group.IsMulticast() {
		return nil, fmt.Errorf("%w: %v", ErrNotMulticast, opts.Group)
	}
	if opts.RecvBuffer < MinRecvBuffer {
		opts.RecvBuffer = MinRecvBuffer
	}

	var ifi *net.Interface
	if opts.Interface != "" {
		var err error
		ifi, err = net.InterfaceByName(opts.Interface)
		if err != nil {
			return nil, fmt.Errorf("%w: interface %s: %v", ErrJoin, opts.Interface, err)
		}
	}

	m := &Multicast{
		group:  &net.UDPAddr{IP: group, Port: opts.Port},
		ifi:    ifi,
		buf:    make([]byte, opts.RecvBuffer),
		logger: logger,
	}

	// The reader binds first so the writer cannot pick the group port.
	if err := m.openReceiver(ctx, opts.Port); err != nil {
		return nil, err
	}
	if err := m.openSender(opts.TTL); err != nil {
		_ = m.recvConn.Close()
		return nil, err
	}

	logger.Info("multicast channel open",
		zap.Stringer("group", m.group),
		zap.Int("ttl", opts.TTL),
		zap.String("interface", opts.Interface),
		zap.Stringer("send_addr", m.sendConn.LocalAddr()))
	return m, nil
}

func (m *Multicast) openReceiver(ctx context.Context, port int) error {
	lc := net.ListenConfig{Control: reuseControl}
	p := strconv.Itoa(port)

	pc, err := lc.ListenPacket(ctx, "udp4", ":"+p)
	if err != nil {
		m.logger.Warn("bind on all interfaces failed, retrying on wildcard address",
			zap.Int("port", port), zap.Error(err))
		var fallbackErr error
		pc, fallbackErr = lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", p))
		if fallbackErr != nil {
			return fmt.Errorf("%w: port %d: %w", ErrBind, port, errors.Join(err, fallbackErr))
		}
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return fmt.Errorf("%w: unexpected connection type %T", ErrBind, pc)
	}

	recv := ipv4.NewPacketConn(conn)
	if err := recv.JoinGroup(m.ifi, &net.UDPAddr{IP: m.group.IP}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w %s: %v", ErrJoin, m.group.IP, err)
	}
	m.recvConn = conn
	m.recv = recv
	return nil
}

func (m *Multicast) openSender(ttl int) error {
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSocket, err)
	}
	send := ipv4.NewPacketConn(conn)
	if err := send.SetMulticastTTL(ttl); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: ttl %d: %v", ErrSocket, ttl, err)
	}
	// Our own beacons must come back to the receive socket.
	if err := send.SetMulticastLoopback(true); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: loopback: %v", ErrSocket, err)
	}
	if m.ifi != nil {
		if err := send.SetMulticastInterface(m.ifi); err != nil {
			_ = conn.Close()
			return fmt.Errorf("%w: interface %s: %v", ErrSocket, m.ifi.Name, err)
		}
	}
	m.sendConn = conn
	m.send = send
	return nil
}

// Send transmits one datagram to the group. Failures leave the channel usable.
func (m *Multicast) Send(data []byte) error {
	if len(data) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(data))
	}
	if _, err := m.sendConn.WriteToUDP(data, m.group); err != nil {
		return fmt.Errorf("%w to %s: %w", ErrSend, m.group, err)
	}
	return nil
}

// Receive blocks until a datagram arrives. After Close it returns an error
// matching net.ErrClosed; any other error is transient.
func (m *Multicast) Receive() ([]byte, *net.UDPAddr, error) {
	m.readMu.Lock()
	defer m.readMu.Unlock()

	n, src, err := m.recvConn.ReadFromUDP(m.buf)
	if err != nil {
		return nil, src, err
	}
	data := make([]byte, n)
	copy(data, m.buf[:n])
	return data, src, nil
}

func (m *Multicast) Group() *net.UDPAddr {
	return m.group
}

// SendAddr is the source address peers see on our datagrams.
func (m *Multicast) SendAddr() *net.UDPAddr {
	return m.sendConn.LocalAddr().(*net.UDPAddr)
}

// Close leaves the group and closes both sockets. It is safe to call twice.
func (m *Multicast) Close() error {
	m.closeOnce.Do(func() {
		if err := m.recv.LeaveGroup(m.ifi, &net.UDPAddr{IP: m.group.IP}); err != nil {
			m.logger.Debug("leave group failed", zap.Error(err))
		}
		m.closeErr = errors.Join(m.recvConn.Close(), m.sendConn.Close())
	})
	return m.closeErr
}
