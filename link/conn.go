package link

import (
	"fmt"
	"net"
	"time"
)

// DefaultGroup is the multicast group and port heartbeats are exchanged on.
const DefaultGroup = "224.76.78.75:20808"

// Conn carries heartbeats. ReadFrom blocks; Close must unblock it.
type Conn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	Broadcast(p []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// MulticastConn is a Conn over UDP multicast. Loopback is left on so
// several instances can share one host; the engine drops its own packets.
type MulticastConn struct {
	recv  *net.UDPConn
	send  *net.UDPConn
	group *net.UDPAddr
}

// ListenMulticast joins group on the named interface ("" for the system default).
func ListenMulticast(group, ifname string) (*MulticastConn, error) {
	gaddr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("resolve group %s: %w", group, err)
	}
	var ifi *net.Interface
	if ifname != "" {
		ifi, err = net.InterfaceByName(ifname)
		if err != nil {
			return nil, fmt.Errorf("interface %s: %w", ifname, err)
		}
	}
	recv, err := net.ListenMulticastUDP("udp4", ifi, gaddr)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", group, err)
	}
	_ = recv.SetReadBuffer(1 << 16)

	send, err := net.DialUDP("udp4", nil, gaddr)
	if err != nil {
		recv.Close()
		return nil, fmt.Errorf("dial %s: %w", group, err)
	}
	return &MulticastConn{recv: recv, send: send, group: gaddr}, nil
}

func (c *MulticastConn) ReadFrom(p []byte) (int, net.Addr, error) {
	return c.recv.ReadFrom(p)
}

func (c *MulticastConn) Broadcast(p []byte) error {
	_, err := c.send.Write(p)
	return err
}

func (c *MulticastConn) SetWriteDeadline(t time.Time) error {
	return c.send.SetWriteDeadline(t)
}

func (c *MulticastConn) Close() error {
	err := c.recv.Close()
	if serr := c.send.Close(); err == nil {
		err = serr
	}
	return err
}

func (c *MulticastConn) Group() *net.UDPAddr { return c.group }
