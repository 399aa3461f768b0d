package tcpstack

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"

	"iptcp-ringbuf/pkg/assembler"
	"iptcp-ringbuf/pkg/config"
	"iptcp-ringbuf/pkg/proto"
	"iptcp-ringbuf/pkg/ringbuf"

	deque "github.com/gammazero/deque"
	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
)

const (
	MAX_RETRANSMISSIONS = 3 // R2 as in RFC 9293 - 3.8.3. We're omitting R1
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, nil))

// SetLogger replaces the package logger.
func SetLogger(l *slog.Logger) {
	logger = l
}

type TCPEndpointID struct {
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
}

func EndpointFromConfig(cfg *config.StreamConfig) TCPEndpointID {
	return TCPEndpointID{
		LocalAddr:  cfg.Local.Addr(),
		LocalPort:  cfg.Local.Port(),
		RemoteAddr: cfg.Remote.Addr(),
		RemotePort: cfg.Remote.Port(),
	}
}

// Reverse returns the endpoint as seen from the remote side.
func (id TCPEndpointID) Reverse() TCPEndpointID {
	return TCPEndpointID{
		LocalAddr:  id.RemoteAddr,
		LocalPort:  id.RemotePort,
		RemoteAddr: id.LocalAddr,
		RemotePort: id.LocalPort,
	}
}

func (id TCPEndpointID) String() string {
	return fmt.Sprintf("%v <-> %v",
		netip.AddrPortFrom(id.LocalAddr, id.LocalPort), netip.AddrPortFrom(id.RemoteAddr, id.RemotePort))
}

type segmentMetadata struct {
	seq     seqnum.Value
	length  int
	counter int // number of retransmissions sent
}

// Stream is the data path of an established connection. The send buffer
// holds every byte from SND.UNA on; the receive buffer's tail is RCV.NXT.
// A Stream is owned by a single goroutine.
type Stream struct {
	TCPEndpointID

	mss int

	iss    seqnum.Value // initial send sequence number, first data byte
	irs    seqnum.Value // initial receive sequence number, first data byte
	sndUna seqnum.Value // SND.UNA - oldest unacknowledged byte
	sndNxt seqnum.Value // SND.NXT - next seq num to use for sending
	sndWnd seqnum.Size  // SND.WND - the other side's window size

	sendBuf   *ringbuf.RingBuffer
	recvBuf   *ringbuf.RingBuffer
	assembler *assembler.Assembler // RCV.NXT lives here
	inflightQ *deque.Deque[*segmentMetadata]
}

// NewStream returns an established stream whose first data bytes are iss and
// irs. The MSS is capped at what fits in one packet on the wire.
func NewStream(id TCPEndpointID, cfg *config.StreamConfig, iss, irs seqnum.Value) *Stream {
	return &Stream{
		TCPEndpointID: id,
		mss:           min(cfg.MSS, proto.MSS),
		iss:           iss,
		irs:           irs,
		sndUna:        iss,
		sndNxt:        iss,
		sndWnd:        seqnum.Size(cfg.InitialWindow),
		sendBuf:       ringbuf.New(cfg.SendBufferSize),
		recvBuf:       ringbuf.New(cfg.RecvBufferSize),
		assembler:     assembler.New(irs),
		inflightQ:     deque.New[*segmentMetadata](),
	}
}

/************************************ Send path ***********************************/

// VWrite queues data for sending and returns the number of bytes accepted,
// which is less than len(data) when the send buffer is full.
func (s *Stream) VWrite(data []byte) int {
	return s.sendBuf.EnqueueData(data)
}

// NextSegment returns a segment carrying new data, or nil if there is no
// unsent data or no usable send window.
func (s *Stream) NextSegment() *proto.TCPPacket {
	n := min(s.numBytesNotSent(), s.usableSendWindow(), s.mss)
	if n <= 0 {
		return nil
	}
	packet := s.segmentAt(s.sndNxt, n)
	s.inflightQ.PushBack(&segmentMetadata{
		seq:    s.sndNxt,
		length: n,
	})
	logger.Debug("sending segment", "endpoint", s.TCPEndpointID, "SEQ", s.sndNxt, "LEN", n)
	s.sndNxt.UpdateForward(seqnum.Size(n))
	return packet
}

// Retransmit rebuilds the oldest unacknowledged segment. It returns nil when
// nothing is in flight and an error once the segment has been retransmitted
// MAX_RETRANSMISSIONS times.
func (s *Stream) Retransmit() (*proto.TCPPacket, error) {
	if s.inflightQ.Len() == 0 {
		return nil, nil
	}
	inflight := s.inflightQ.Front()
	if inflight.counter >= MAX_RETRANSMISSIONS {
		return nil, errors.Errorf("segment SEQ=%d retransmitted %d times", inflight.seq, inflight.counter)
	}
	inflight.counter++
	logger.Info("retransmitting segment", "SEQ", inflight.seq, "LEN", inflight.length, "count", inflight.counter)
	return s.segmentAt(inflight.seq, inflight.length), nil
}

// segmentAt peeks n bytes starting at seq out of the send buffer.
func (s *Stream) segmentAt(seq seqnum.Value, n int) *proto.TCPPacket {
	var body []byte
	s.sendBuf.PeekWith(int(s.sndUna.Size(seq)), func(p ringbuf.SendPayload) {
		body = proto.SegmentFromPayload(p.Slice(0, n))
	})
	return proto.NewTCPacket(s.LocalPort, s.RemotePort,
		uint32(seq), uint32(s.assembler.Nxt()),
		header.TCPFlagAck, body, s.recvWindow())
}

// Number of bytes in the buffer that's not yet sent to the receiver.
func (s *Stream) numBytesNotSent() int {
	return s.sendBuf.Len() - int(s.sndUna.Size(s.sndNxt))
}

// The offered window less the amount of data sent but not acknowledged.
func (s *Stream) usableSendWindow() int {
	end := s.sndUna.Add(s.sndWnd)
	if s.sndNxt.LessThan(end) {
		return int(s.sndNxt.Size(end))
	}
	return 0
}

/************************************ Receive path ***********************************/

// HandleSegment processes an inbound segment and returns the ACK to send
// back, or nil if the segment carried no data.
func (s *Stream) HandleSegment(segment *proto.TCPPacket) *proto.TCPPacket {
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		logger.Debug("handling segment", "endpoint", s.TCPEndpointID,
			"header", proto.TCPFieldsToString(segment.TcpHeader), "LEN", len(segment.Payload))
	}
	if segment.IsAck() {
		s.handleAck(segment)
	}
	if len(segment.Payload) == 0 {
		return nil
	}
	s.handleSegText(seqnum.Value(segment.TcpHeader.SeqNum), ringbuf.Bytes(segment.Payload))
	return s.ackPacket()
}

func (s *Stream) handleAck(segment *proto.TCPPacket) {
	segAck := seqnum.Value(segment.TcpHeader.AckNum)
	if segAck.LessThan(s.sndUna) || s.sndNxt.LessThan(segAck) {
		logger.Debug("ignoring ACK outside the send window", "ACK", segAck, "SND.UNA", s.sndUna, "SND.NXT", s.sndNxt)
		return
	}
	if acked := s.sndUna.Size(segAck); acked > 0 {
		s.sendBuf.MarkRead(int(acked))
		s.sndUna = segAck
		s.ackInflight(segAck)
	}
	s.sndWnd = seqnum.Size(segment.TcpHeader.WindowSize)
}

// Drop in-flight records covered by ackNum and trim a partially acked one.
func (s *Stream) ackInflight(ackNum seqnum.Value) {
	for s.inflightQ.Len() > 0 {
		meta := s.inflightQ.Front()
		end := meta.seq.Add(seqnum.Size(meta.length))
		if end.LessThanEq(ackNum) {
			s.inflightQ.PopFront()
			continue
		}
		if meta.seq.LessThan(ackNum) {
			meta.length -= int(meta.seq.Size(ackNum))
			meta.seq = ackNum
		}
		return
	}
}

// Land segment text in the receive buffer and publish whatever became
// contiguous with RCV.NXT.
func (s *Stream) handleSegText(segSeq seqnum.Value, data ringbuf.Payload) {
	rcvNxt := s.assembler.Nxt()

	// Trim off data that was already delivered
	if segSeq.LessThan(rcvNxt) {
		skip := int(segSeq.Size(rcvNxt))
		if skip >= data.Len() {
			logger.Debug("dropping duplicate segment", "SEQ", segSeq, "RCV.NXT", rcvNxt)
			return
		}
		data = data.Slice(skip, data.Len())
		segSeq = rcvNxt
	}

	offset := int(rcvNxt.Size(segSeq))
	written := s.recvBuf.WriteAtOffset(offset, data)
	if written < data.Len() {
		logger.Debug("segment trimmed to the receive window", "SEQ", segSeq, "LEN", data.Len(), "written", written)
	}
	if written == 0 {
		return
	}
	promoted := s.assembler.Insert(assembler.Range{Start: segSeq, End: segSeq.Add(seqnum.Size(written))})
	if promoted > 0 {
		s.recvBuf.MakeReadable(int(promoted))
	}
	logger.Debug("received segment", "SEQ", segSeq, "LEN", written, "RCV.NXT", s.assembler.Nxt())
}

// WindowUpdate returns a pure ACK advertising the current receive window.
// Send it after VRead frees space that the peer believes is full.
func (s *Stream) WindowUpdate() *proto.TCPPacket {
	return s.ackPacket()
}

func (s *Stream) ackPacket() *proto.TCPPacket {
	return proto.NewTCPacket(s.LocalPort, s.RemotePort,
		uint32(s.sndNxt), uint32(s.assembler.Nxt()),
		header.TCPFlagAck, nil, s.recvWindow())
}

func (s *Stream) recvWindow() uint16 {
	return uint16(min(s.recvBuf.Available(), config.MaxWindow))
}

// VRead copies readable bytes into buf and returns how many were consumed.
func (s *Stream) VRead(buf []byte) int {
	return s.recvBuf.ReadWith(func(first, second []byte) int {
		n := copy(buf, first)
		n += copy(buf[n:], second)
		return n
	})
}

/************************************ Inspection ***********************************/

type Stats struct {
	SndUna, SndNxt seqnum.Value
	SndWnd         seqnum.Size
	Unsent         int
	Inflight       int
	SendFree       int
	Acked          int // bytes acknowledged since ISS

	RcvNxt      seqnum.Value
	Delivered   int // bytes made readable since IRS
	Readable    int
	RcvWnd      int
	Outstanding []assembler.Range
}

func (s *Stream) Snapshot() Stats {
	return Stats{
		SndUna:      s.sndUna,
		SndNxt:      s.sndNxt,
		SndWnd:      s.sndWnd,
		Unsent:      s.numBytesNotSent(),
		Inflight:    s.inflightQ.Len(),
		SendFree:    s.sendBuf.Available(),
		Acked:       int(s.iss.Size(s.sndUna)),
		RcvNxt:      s.assembler.Nxt(),
		Delivered:   int(s.irs.Size(s.assembler.Nxt())),
		Readable:    s.recvBuf.Len(),
		RcvWnd:      int(s.recvWindow()),
		Outstanding: s.assembler.Outstanding(),
	}
}

func (st Stats) String() string {
	return fmt.Sprintf("SND.UNA=%d SND.NXT=%d SND.WND=%d unsent=%d inflight=%d free=%d acked=%d | RCV.NXT=%d readable=%d RCV.WND=%d delivered=%d outstanding=%v",
		st.SndUna, st.SndNxt, st.SndWnd, st.Unsent, st.Inflight, st.SendFree, st.Acked,
		st.RcvNxt, st.Readable, st.RcvWnd, st.Delivered, st.Outstanding)
}
