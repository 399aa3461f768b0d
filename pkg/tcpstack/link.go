package tcpstack

import (
	"iptcp-ringbuf/pkg/proto"

	deque "github.com/gammazero/deque"
	"github.com/pkg/errors"
)

// Link is an in-memory, one-directional wire carrying encoded IPv4 packets.
// Tests and the simulator use it to reorder and drop segments.
type Link struct {
	queue *deque.Deque[[]byte]
}

func NewLink() *Link {
	return &Link{queue: deque.New[[]byte]()}
}

// Send encodes the segment for the endpoint and queues it.
func (l *Link) Send(id TCPEndpointID, p *proto.TCPPacket) error {
	if p == nil {
		return nil
	}
	ipPacket := proto.NewIPPacket(id.LocalAddr, id.RemoteAddr, p.Marshal(id.LocalAddr, id.RemoteAddr), proto.ProtoNumTCP)
	if len(ipPacket.Payload) < proto.DefaultTcpHeaderLen+len(p.Payload) {
		return errors.Errorf("segment of %d bytes exceeds the MTU", len(p.Payload))
	}
	bytesToSend, err := ipPacket.Marshal()
	if err != nil {
		return err
	}
	l.queue.PushBack(bytesToSend)
	return nil
}

func (l *Link) Len() int {
	return l.queue.Len()
}

// Recv decodes the oldest queued packet. The checksum is validated against
// the addresses in the IP header.
func (l *Link) Recv() (*proto.TCPPacket, error) {
	if l.queue.Len() == 0 {
		return nil, errors.New("link is empty")
	}
	ipPacket := new(proto.IPPacket)
	if err := ipPacket.Unmarshal(l.queue.PopFront()); err != nil {
		return nil, err
	}
	if ipPacket.Header.Protocol != int(proto.ProtoNumTCP) {
		return nil, errors.Errorf("unexpected protocol %d", ipPacket.Header.Protocol)
	}
	tcpPacket := new(proto.TCPPacket)
	if err := tcpPacket.Unmarshal(ipPacket.Payload); err != nil {
		return nil, err
	}
	if !proto.ValidTCPChecksum(tcpPacket, ipPacket.Header.Src, ipPacket.Header.Dst) {
		return nil, errors.New("packet dropped because checksum validation failed")
	}
	return tcpPacket, nil
}

// Drop discards the i-th queued packet.
func (l *Link) Drop(i int) {
	packets := l.drain()
	for j, b := range packets {
		if j != i {
			l.queue.PushBack(b)
		}
	}
}

// Reverse flips the delivery order of the queued packets.
func (l *Link) Reverse() {
	packets := l.drain()
	for j := len(packets) - 1; j >= 0; j-- {
		l.queue.PushBack(packets[j])
	}
}

func (l *Link) drain() [][]byte {
	packets := make([][]byte, 0, l.queue.Len())
	for l.queue.Len() > 0 {
		packets = append(packets, l.queue.PopFront())
	}
	return packets
}
