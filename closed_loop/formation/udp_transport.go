package formation

import (
	"context"
	"net"
	"net/netip"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"

	"balancebot-core/utils"
)

const (
	udpBatch    = 8
	udpMaxBytes = 1500
)

type UDPConfig struct {
	Interface string `yaml:"interface"` // empty picks the first up, non-loopback IPv4 interface
	Port      int    `yaml:"port"`
	QueueLen  int    `yaml:"queue_len"`
}

type outgoing struct {
	payload [FrameSize]byte
	n       int
	dst     netip.AddrPort
}

// UDPTransport is the broadcast datagram link between robots. A reader and a
// writer goroutine move datagrams through buffered channels so Send and Poll
// never block the control loop.
type UDPTransport struct {
	log   *utils.Logger
	raw   net.PacketConn
	conn  *ipv4.PacketConn
	port  uint16
	mac   MAC
	ip    netip.Addr
	bcast netip.Addr

	rx chan Datagram
	tx chan outgoing

	rxDropped atomic.Uint64
	txDropped atomic.Uint64
	txErrors  atomic.Uint64
}

func NewUDPTransport(ctx context.Context, cfg UDPConfig, log *utils.Logger) (*UDPTransport, error) {
	if cfg.Port <= 0 {
		cfg.Port = Port
	}
	if cfg.QueueLen <= 0 {
		cfg.QueueLen = 32
	}
	mac, ip, bcast, err := resolveInterface(cfg.Interface)
	if err != nil {
		return nil, err
	}

	lc := net.ListenConfig{Control: broadcastControl}
	raw, err := lc.ListenPacket(ctx, "udp4", ":"+strconv.Itoa(cfg.Port))
	if err != nil {
		return nil, errors.Wrapf(err, "listen udp port %d", cfg.Port)
	}
	log.Info("formation link on %v port %d, broadcast %v, mac %v", ip, cfg.Port, bcast, mac)

	return &UDPTransport{
		log:   log,
		raw:   raw,
		conn:  ipv4.NewPacketConn(raw),
		port:  uint16(cfg.Port),
		mac:   mac,
		ip:    ip,
		bcast: bcast,
		rx:    make(chan Datagram, cfg.QueueLen),
		tx:    make(chan outgoing, cfg.QueueLen),
	}, nil
}

func (t *UDPTransport) Self() (MAC, netip.Addr) { return t.mac, t.ip }

func (t *UDPTransport) Send(payload []byte, dst netip.Addr) bool {
	if !dst.IsValid() {
		dst = t.bcast
	}
	var o outgoing
	o.n = copy(o.payload[:], payload)
	o.dst = netip.AddrPortFrom(dst, t.port)
	select {
	case t.tx <- o:
		return true
	default:
		t.txDropped.Inc()
		return false
	}
}

func (t *UDPTransport) Poll(dst []Datagram) []Datagram {
	for {
		select {
		case d := <-t.rx:
			dst = append(dst, d)
		default:
			return dst
		}
	}
}

// Close releases the socket. It is safe to call more than once.
func (t *UDPTransport) Close() error {
	if err := t.raw.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Dropped reports datagrams lost to full queues, received and sent.
func (t *UDPTransport) Dropped() (rx, tx uint64) {
	return t.rxDropped.Load(), t.txDropped.Load()
}

// Run moves datagrams until ctx is cancelled.
func (t *UDPTransport) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		// unblocks the reader
		return t.Close()
	})
	g.Go(func() error { return t.readLoop(ctx) })
	g.Go(func() error { return t.writeLoop(ctx) })
	return g.Wait()
}

func (t *UDPTransport) readLoop(ctx context.Context) error {
	msgs := make([]ipv4.Message, udpBatch)
	for i := range msgs {
		msgs[i].Buffers = [][]byte{make([]byte, udpMaxBytes)}
	}
	for {
		n, err := t.conn.ReadBatch(msgs, 0)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "formation read")
		}
		for i := 0; i < n; i++ {
			m := &msgs[i]
			if m.N < FrameSize {
				t.log.Trace("formation short datagram (%d bytes) from %v", m.N, m.Addr)
				continue
			}
			d := Datagram{Payload: append([]byte(nil), m.Buffers[0][:m.N]...)}
			if ua, ok := m.Addr.(*net.UDPAddr); ok {
				if a, ok := netip.AddrFromSlice(ua.IP); ok {
					d.From = a.Unmap()
				}
			}
			select {
			case t.rx <- d:
			default:
				if t.rxDropped.Inc()%100 == 1 {
					t.log.Warn("formation rx queue full, %d datagrams dropped", t.rxDropped.Load())
				}
			}
		}
	}
}

func (t *UDPTransport) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case o := <-t.tx:
			if _, err := t.conn.WriteTo(o.payload[:o.n], nil, net.UDPAddrFromAddrPort(o.dst)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if t.txErrors.Inc()%100 == 1 {
					t.log.Error("formation send to %v: %v", o.dst, err)
				}
			}
		}
	}
}

// resolveInterface finds the hardware address, IPv4 address and subnet
// broadcast address of the named interface.
func resolveInterface(name string) (MAC, netip.Addr, netip.Addr, error) {
	var ifaces []net.Interface
	if name != "" {
		ifc, err := net.InterfaceByName(name)
		if err != nil {
			return MAC{}, netip.Addr{}, netip.Addr{}, errors.Wrapf(err, "interface %q", name)
		}
		ifaces = []net.Interface{*ifc}
	} else {
		all, err := net.Interfaces()
		if err != nil {
			return MAC{}, netip.Addr{}, netip.Addr{}, errors.Wrap(err, "list interfaces")
		}
		for _, ifc := range all {
			if ifc.Flags&net.FlagUp != 0 && ifc.Flags&net.FlagLoopback == 0 {
				ifaces = append(ifaces, ifc)
			}
		}
	}

	for _, ifc := range ifaces {
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipn.IP.To4()
			if ip4 == nil || len(ipn.Mask) != net.IPv4len {
				continue
			}
			var mac MAC
			copy(mac[:], ifc.HardwareAddr)
			return mac, netip.AddrFrom4([4]byte(ip4)), subnetBroadcast(ip4, ipn.Mask), nil
		}
	}
	return MAC{}, netip.Addr{}, netip.Addr{}, errors.Errorf("no IPv4 interface found (%q)", name)
}

func subnetBroadcast(ip net.IP, mask net.IPMask) netip.Addr {
	var b [4]byte
	for i := range b {
		b[i] = ip[i] | ^mask[i]
	}
	return netip.AddrFrom4(b)
}
