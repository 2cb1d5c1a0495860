// Package transport provides the UDP datagram transport SHDC runs
// over: a single socket that both hubs and sensors use to send and
// receive raw datagrams, with hub sockets additionally joined to the
// discovery multicast group so one socket serves both discovery and
// session traffic on the same port.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/shdchub/shdc/shared/protocol"
)

// Datagram is one received UDP packet and the address it came from.
type Datagram struct {
	Data []byte
	Addr *net.UDPAddr
}

// Transport wraps a bound UDP socket with a background receive loop
// that fans incoming datagrams out over a channel.
type Transport struct {
	conn *net.UDPConn

	recvChan chan Datagram
	errChan  chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sendCount uint64
	recvCount uint64

	closeOnce sync.Once
}

// ListenHub binds port on every interface and joins the SHDC
// discovery multicast group, so the returned Transport receives
// broadcast HUB_DISCOVERY_REQ datagrams, multicast ones, and unicast
// session traffic (JOIN_REQUEST, EVENT_REPORT) on the same socket.
func ListenHub(port int) (*Transport, error) {
	iface, err := defaultMulticastInterface()
	if err != nil {
		return nil, fmt.Errorf("transport: failed to select multicast interface: %w", err)
	}

	groupAddr := &net.UDPAddr{IP: net.ParseIP(protocol.MulticastAddr), Port: port}
	conn, err := net.ListenMulticastUDP("udp4", iface, groupAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to join multicast group: %w", err)
	}

	return newTransport(conn), nil
}

// ListenSensor binds an ephemeral unicast port for a sensor, which
// only ever sends discovery/join/event datagrams and receives direct
// unicast replies — it has no need to join the multicast group.
func ListenSensor() (*Transport, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to bind sensor socket: %w", err)
	}
	return newTransport(conn), nil
}

func newTransport(conn *net.UDPConn) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		conn:     conn,
		recvChan: make(chan Datagram, 64),
		errChan:  make(chan error, 4),
		ctx:      ctx,
		cancel:   cancel,
	}
	t.wg.Add(1)
	go t.receiveLoop()
	return t
}

func (t *Transport) receiveLoop() {
	defer t.wg.Done()

	buf := make([]byte, protocol.MaxPacketSize)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
			}
			select {
			case t.errChan <- fmt.Errorf("transport: read error: %w", err):
			case <-t.ctx.Done():
			}
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		atomic.AddUint64(&t.recvCount, 1)

		select {
		case t.recvChan <- Datagram{Data: data, Addr: addr}:
		case <-t.ctx.Done():
			return
		}
	}
}

// Recv returns the channel incoming datagrams are delivered on.
func (t *Transport) Recv() <-chan Datagram { return t.recvChan }

// Errors returns the channel fatal receive-loop errors are delivered
// on. At most one error is ever sent, after which the receive loop
// exits.
func (t *Transport) Errors() <-chan error { return t.errChan }

// SendTo sends data to a specific unicast address.
func (t *Transport) SendTo(data []byte, addr *net.UDPAddr) error {
	if _, err := t.conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("transport: send to %s failed: %w", addr, err)
	}
	atomic.AddUint64(&t.sendCount, 1)
	return nil
}

// SendBroadcast sends data to the LAN broadcast address on port.
func (t *Transport) SendBroadcast(data []byte, port int) error {
	addr := &net.UDPAddr{IP: net.ParseIP(protocol.BroadcastAddr), Port: port}
	return t.SendTo(data, addr)
}

// SendMulticast sends data to the SHDC discovery multicast group on port.
func (t *Transport) SendMulticast(data []byte, port int) error {
	addr := &net.UDPAddr{IP: net.ParseIP(protocol.MulticastAddr), Port: port}
	return t.SendTo(data, addr)
}

// LocalAddr returns the address the underlying socket is bound to.
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Stats returns the number of datagrams sent and received so far.
func (t *Transport) Stats() (sent, received uint64) {
	return atomic.LoadUint64(&t.sendCount), atomic.LoadUint64(&t.recvCount)
}

// Close stops the receive loop and closes the underlying socket. Safe
// to call more than once.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		err = t.conn.Close()
		t.wg.Wait()
	})
	return err
}

// defaultMulticastInterface picks the first up, non-loopback interface
// that supports multicast. If there is none it returns an error rather
// than a nil interface, so the kernel is never left to choose.
func defaultMulticastInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		return &iface, nil
	}

	return nil, errors.New("transport: no multicast-capable interface found")
}
