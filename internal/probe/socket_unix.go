//go:build linux || darwin || freebsd || netbsd || openbsd

package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

const (
	// maxDrainPerSocket bounds the packets read from one socket per call to
	// Drain so a flood on one socket can't starve the command pipe.
	maxDrainPerSocket = 256

	recvBufferSize = 65536
)

// rawSocket is one raw IP socket together with the handles needed to set
// per-packet options and to read it without blocking.
type rawSocket struct {
	conn    net.PacketConn
	raw     syscall.RawConn
	fd      int
	carrier Protocol
	v6      bool

	p4 *ipv4.PacketConn
	p6 *ipv6.PacketConn
}

// Sockets owns every raw socket used for probing. It is created while the
// process still holds elevated privileges; everything after that is done
// through the already open descriptors.
type Sockets struct {
	icmp4, icmp6 *rawSocket
	udp4, udp6   *rawSocket
	tcp4, tcp6   *rawSocket

	bindInterface string
	sources       map[netip.Addr]netip.Addr
	buf           []byte
}

// OpenSockets opens the raw sockets for every supported protocol and address
// family. ICMPv4 is required; any other socket that fails to open leaves its
// protocol and family unsupported. When bindInterface is set every socket
// is bound to that interface.
func OpenSockets(bindInterface string) (*Sockets, error) {
	if bindInterface != "" && !BindSupported {
		return nil, ErrBindUnsupported
	}

	s := &Sockets{
		bindInterface: bindInterface,
		sources:       make(map[netip.Addr]netip.Addr),
		buf:           make([]byte, recvBufferSize),
	}

	var err error
	s.icmp4, err = openRaw("ip4:icmp", "0.0.0.0", ProtocolICMP, bindInterface)
	if err != nil {
		return nil, fmt.Errorf("failed to open ICMPv4 socket: %w", err)
	}

	s.icmp6, _ = openRaw("ip6:ipv6-icmp", "::", ProtocolICMP, bindInterface)
	s.udp4, _ = openRaw("ip4:udp", "0.0.0.0", ProtocolUDP, bindInterface)
	s.udp6, _ = openRaw("ip6:udp", "::", ProtocolUDP, bindInterface)
	s.tcp4, _ = openRaw("ip4:tcp", "0.0.0.0", ProtocolTCP, bindInterface)
	s.tcp6, _ = openRaw("ip6:tcp", "::", ProtocolTCP, bindInterface)

	return s, nil
}

func openRaw(network, address string, carrier Protocol, bindInterface string) (*rawSocket, error) {
	lc := net.ListenConfig{Control: bindControl(bindInterface)}

	conn, err := lc.ListenPacket(context.Background(), network, address)
	if err != nil {
		if errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, err
	}

	sc, ok := conn.(syscall.Conn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("%s: not a syscall.Conn", network)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, err
	}

	sock := &rawSocket{
		conn:    conn,
		raw:     raw,
		carrier: carrier,
		v6:      network[2] == '6',
	}
	if err := raw.Control(func(fd uintptr) { sock.fd = int(fd) }); err != nil {
		conn.Close()
		return nil, err
	}

	if sock.v6 {
		sock.p6 = ipv6.NewPacketConn(conn)
	} else {
		sock.p4 = ipv4.NewPacketConn(conn)
	}

	return sock, nil
}

func (s *Sockets) socketFor(p Protocol, v6 bool) *rawSocket {
	switch p {
	case ProtocolICMP:
		if v6 {
			return s.icmp6
		}
		return s.icmp4
	case ProtocolUDP:
		if v6 {
			return s.udp6
		}
		return s.udp4
	case ProtocolTCP:
		if v6 {
			return s.tcp6
		}
		return s.tcp4
	}
	return nil
}

// Supports reports whether probes of the protocol can be sent to the family.
func (s *Sockets) Supports(p Protocol, v6 bool) bool {
	return s.socketFor(p, v6) != nil
}

// Send transmits a built packet to target with the given TTL and TOS.
func (s *Sockets) Send(p Protocol, target netip.Addr, ttl, tos int, packet []byte) error {
	if !ValidTTL(ttl) {
		return ErrInvalidTTL
	}

	sock := s.socketFor(p, !target.Is4())
	if sock == nil {
		return ErrSocketClosed
	}

	if sock.v6 {
		if err := sock.p6.SetHopLimit(ttl); err != nil {
			return fmt.Errorf("failed to set hop limit: %w", err)
		}
		if err := sock.p6.SetTrafficClass(tos); err != nil {
			return fmt.Errorf("failed to set traffic class: %w", err)
		}
	} else {
		if err := sock.p4.SetTTL(ttl); err != nil {
			return fmt.Errorf("failed to set TTL: %w", err)
		}
		if err := sock.p4.SetTOS(tos); err != nil {
			return fmt.Errorf("failed to set TOS: %w", err)
		}
	}

	_, err := sock.conn.WriteTo(packet, &net.IPAddr{IP: target.AsSlice()})
	return err
}

// Drain reads every packet currently queued on the receive sockets without
// blocking and hands each to fn. The packet data is only valid for the
// duration of the call.
func (s *Sockets) Drain(fn func(Packet)) error {
	var firstErr error
	for _, sock := range s.receivers() {
		if err := s.drainSocket(sock, fn); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Sockets) drainSocket(sock *rawSocket, fn func(Packet)) error {
	for i := 0; i < maxDrainPerSocket; i++ {
		var (
			n    int
			from unix.Sockaddr
			rerr error
		)
		err := sock.raw.Read(func(fd uintptr) bool {
			n, from, rerr = unix.Recvfrom(int(fd), s.buf, unix.MSG_DONTWAIT)
			// Never park in the runtime poller; EAGAIN ends the drain
			return true
		})
		if err != nil {
			return err
		}

		switch {
		case rerr == nil:
		case errors.Is(rerr, unix.EAGAIN), errors.Is(rerr, unix.EWOULDBLOCK):
			return nil
		case errors.Is(rerr, unix.EINTR):
			continue
		default:
			return fmt.Errorf("recvfrom: %w", rerr)
		}

		fn(Packet{
			Carrier: sock.carrier,
			IPv6:    sock.v6,
			Data:    s.buf[:n],
			From:    sockaddrToAddr(from),
		})
	}
	return nil
}

func (s *Sockets) receivers() []*rawSocket {
	var socks []*rawSocket
	for _, sock := range []*rawSocket{s.icmp4, s.icmp6, s.tcp4, s.tcp6} {
		if sock != nil {
			socks = append(socks, sock)
		}
	}
	return socks
}

// Fds returns the descriptors that become readable when a reply arrives.
func (s *Sockets) Fds() []int {
	var fds []int
	for _, sock := range s.receivers() {
		fds = append(fds, sock.fd)
	}
	return fds
}

// Source returns the local address used to reach target. The result is
// cached per target.
func (s *Sockets) Source(target netip.Addr) (netip.Addr, error) {
	if src, ok := s.sources[target]; ok {
		return src, nil
	}

	var (
		src netip.Addr
		err error
	)
	if s.bindInterface != "" {
		src, err = interfaceAddr(s.bindInterface, !target.Is4())
	} else {
		src, err = getOutboundIP(target)
	}
	if err != nil {
		return netip.Addr{}, err
	}

	s.sources[target] = src
	return src, nil
}

// getOutboundIP asks the kernel which local address routes to target.
// Connecting a UDP socket sends nothing.
func getOutboundIP(target netip.Addr) (netip.Addr, error) {
	conn, err := net.Dial("udp", netip.AddrPortFrom(target, 53).String())
	if err != nil {
		return netip.Addr{}, err
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.Addr{}, fmt.Errorf("unexpected local address %v", conn.LocalAddr())
	}
	return addr.AddrPort().Addr().Unmap(), nil
}

// interfaceAddr returns the first global unicast address of the family on
// the named interface, falling back to any unicast address.
func interfaceAddr(name string, v6 bool) (netip.Addr, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return netip.Addr{}, err
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return netip.Addr{}, err
	}

	var fallback netip.Addr
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipnet.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.Is4() == v6 {
			continue
		}
		if addr.IsGlobalUnicast() {
			return addr, nil
		}
		if !fallback.IsValid() {
			fallback = addr
		}
	}
	if fallback.IsValid() {
		return fallback, nil
	}
	return netip.Addr{}, fmt.Errorf("interface %s has no usable address", name)
}

func sockaddrToAddr(sa unix.Sockaddr) netip.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrFrom4(sa.Addr)
	case *unix.SockaddrInet6:
		return netip.AddrFrom16(sa.Addr).Unmap()
	}
	return netip.Addr{}
}

// Close closes every open socket.
func (s *Sockets) Close() error {
	var firstErr error
	for _, sock := range []*rawSocket{s.icmp4, s.icmp6, s.udp4, s.udp6, s.tcp4, s.tcp6} {
		if sock == nil {
			continue
		}
		if err := sock.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
