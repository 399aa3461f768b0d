package tcpstack

import (
	"bytes"
	"math/rand"
	"testing"

	"iptcp-ringbuf/pkg/assembler"
	"iptcp-ringbuf/pkg/config"
	"iptcp-ringbuf/pkg/proto"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/stretchr/testify/require"
)

const (
	testISS = seqnum.Value(1<<32 - 40) // wraps during the tests
	testIRS = seqnum.Value(5000)
)

type pair struct {
	a, b   *Stream
	ab, ba *Link
}

func newPair(sendBuf, recvBuf, mss, window int) *pair {
	cfg := config.DefaultStreamConfig
	cfg.SendBufferSize = sendBuf
	cfg.RecvBufferSize = recvBuf
	cfg.MSS = mss
	cfg.InitialWindow = window

	id := EndpointFromConfig(&cfg)
	return &pair{
		a:  NewStream(id, &cfg, testISS, testIRS),
		b:  NewStream(id.Reverse(), &cfg, testIRS, testISS),
		ab: NewLink(),
		ba: NewLink(),
	}
}

// flush sends every segment the stream allows and returns how many were sent.
func flush(t *testing.T, from *Stream, link *Link) int {
	t.Helper()
	n := 0
	for seg := from.NextSegment(); seg != nil; seg = from.NextSegment() {
		require.NoError(t, link.Send(from.TCPEndpointID, seg))
		n++
	}
	return n
}

// deliver hands every queued segment to the stream and queues its ACKs.
func deliver(t *testing.T, link *Link, to *Stream, acks *Link) {
	t.Helper()
	for link.Len() > 0 {
		seg, err := link.Recv()
		require.NoError(t, err)
		require.NoError(t, acks.Send(to.TCPEndpointID, to.HandleSegment(seg)))
	}
}

func readAll(s *Stream) []byte {
	buf := make([]byte, 1024)
	n := s.VRead(buf)
	return buf[:n]
}

func TestStream_TransferWraps(t *testing.T) {
	p := newPair(64, 64, 16, 64)
	data := make([]byte, 1000)
	rand.New(rand.NewSource(1)).Read(data)

	var out []byte
	written := 0
	for round := 0; len(out) < len(data); round++ {
		require.Less(t, round, 500, "transfer stalled")

		written += p.a.VWrite(data[written:])
		flush(t, p.a, p.ab)
		deliver(t, p.ab, p.b, p.ba)

		out = append(out, readAll(p.b)...)
		require.NoError(t, p.ba.Send(p.b.TCPEndpointID, p.b.WindowUpdate()))
		deliver(t, p.ba, p.a, p.ab)
	}
	require.Equal(t, data, out)

	st := p.a.Snapshot()
	require.Equal(t, testISS.Add(seqnum.Size(len(data))), st.SndUna)
	require.Equal(t, st.SndUna, st.SndNxt)
	require.Zero(t, st.Inflight)
	require.Equal(t, len(data), st.Acked)
	require.Equal(t, 64, st.SendFree)
	require.Equal(t, len(data), p.b.Snapshot().Delivered)
}

func TestStream_Reordered(t *testing.T) {
	p := newPair(64, 64, 16, 64)
	data := []byte("0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ!?")
	require.Equal(t, 64, p.a.VWrite(data))
	require.Equal(t, 4, flush(t, p.a, p.ab))

	p.ab.Reverse()
	seg, err := p.ab.Recv()
	require.NoError(t, err)
	ack := p.b.HandleSegment(seg)
	require.Equal(t, uint32(testISS), ack.TcpHeader.AckNum)
	require.Equal(t, []assembler.Range{{Start: testISS.Add(48), End: testISS.Add(64)}}, p.b.Snapshot().Outstanding)
	require.Zero(t, p.b.Snapshot().Readable)

	deliver(t, p.ab, p.b, p.ba)
	require.Equal(t, 64, p.b.Snapshot().Readable)
	require.Empty(t, p.b.Snapshot().Outstanding)
	require.Equal(t, data, readAll(p.b))

	deliver(t, p.ba, p.a, p.ab)
	require.Zero(t, p.a.Snapshot().Inflight)
}

func TestStream_LossAndRetransmit(t *testing.T) {
	p := newPair(64, 64, 16, 64)
	data := bytes.Repeat([]byte("abcdefgh"), 6)
	p.a.VWrite(data)
	require.Equal(t, 3, flush(t, p.a, p.ab))

	p.ab.Drop(0)
	deliver(t, p.ab, p.b, p.ba)
	require.Zero(t, p.b.Snapshot().Readable)
	require.Len(t, p.b.Snapshot().Outstanding, 1)

	deliver(t, p.ba, p.a, p.ab)
	require.Equal(t, 3, p.a.Snapshot().Inflight)

	seg, err := p.a.Retransmit()
	require.NoError(t, err)
	require.Equal(t, uint32(testISS), seg.TcpHeader.SeqNum)
	require.Equal(t, data[:16], seg.Payload)
	require.NoError(t, p.ab.Send(p.a.TCPEndpointID, seg))

	deliver(t, p.ab, p.b, p.ba)
	require.Equal(t, data, readAll(p.b))
	deliver(t, p.ba, p.a, p.ab)
	require.Zero(t, p.a.Snapshot().Inflight)

	seg, err = p.a.Retransmit()
	require.NoError(t, err)
	require.Nil(t, seg)
}

func TestStream_ReceiveWindowTruncates(t *testing.T) {
	p := newPair(64, 16, 16, 64)
	data := []byte("first segment!!!second segment!!")
	p.a.VWrite(data)
	require.Equal(t, 2, flush(t, p.a, p.ab))
	deliver(t, p.ab, p.b, p.ba)

	st := p.b.Snapshot()
	require.Equal(t, 16, st.Readable)
	require.Zero(t, st.RcvWnd)

	deliver(t, p.ba, p.a, p.ab)
	require.Zero(t, p.a.Snapshot().SndWnd)
	require.Equal(t, 1, p.a.Snapshot().Inflight)
	require.Equal(t, data[:16], readAll(p.b))

	seg, err := p.a.Retransmit()
	require.NoError(t, err)
	require.Equal(t, data[16:], seg.Payload)
	require.NoError(t, p.ab.Send(p.a.TCPEndpointID, seg))
	deliver(t, p.ab, p.b, p.ba)
	require.Equal(t, data[16:], readAll(p.b))
}

func TestStream_DuplicateAndOverlap(t *testing.T) {
	p := newPair(64, 64, 8, 64)
	p.a.VWrite([]byte("aaaaaaaabbbbbbbb"))
	flush(t, p.a, p.ab)

	first, err := p.ab.Recv()
	require.NoError(t, err)
	p.b.HandleSegment(first)
	p.b.HandleSegment(first)
	require.Equal(t, 8, p.b.Snapshot().Readable)

	// a retransmission that overlaps delivered data is clipped
	p.a.VWrite([]byte("cccc"))
	seg := p.a.NextSegment()
	require.NotNil(t, seg)
	second, err := p.ab.Recv()
	require.NoError(t, err)
	second.Payload = append(append([]byte{}, first.Payload[4:]...), second.Payload...)
	second.TcpHeader.SeqNum -= 4
	p.b.HandleSegment(second)
	p.b.HandleSegment(seg)
	require.Equal(t, "aaaaaaaabbbbbbbbcccc", string(readAll(p.b)))
}

func TestStream_RetransmissionLimit(t *testing.T) {
	p := newPair(64, 64, 16, 64)
	p.a.VWrite([]byte("lost"))
	flush(t, p.a, p.ab)

	for i := 0; i < MAX_RETRANSMISSIONS; i++ {
		seg, err := p.a.Retransmit()
		require.NoError(t, err)
		require.Equal(t, "lost", string(seg.Payload))
	}
	_, err := p.a.Retransmit()
	require.Error(t, err)
}

func TestStream_IgnoresStaleAck(t *testing.T) {
	p := newPair(64, 64, 16, 64)
	p.a.VWrite([]byte("data"))
	flush(t, p.a, p.ab)

	ack := p.b.WindowUpdate()
	ack.TcpHeader.AckNum = uint32(testISS.Add(10)) // beyond SND.NXT
	p.a.HandleSegment(ack)
	require.Equal(t, testISS, p.a.Snapshot().SndUna)
	require.Equal(t, 1, p.a.Snapshot().Inflight)
}

func TestStream_MSSCappedToWire(t *testing.T) {
	p := newPair(4096, 4096, 2000, 4096)
	data := bytes.Repeat([]byte("m"), 2000)
	require.Equal(t, 2000, p.a.VWrite(data))

	require.Equal(t, 2, flush(t, p.a, p.ab))
	first, err := p.ab.Recv()
	require.NoError(t, err)
	require.Len(t, first.Payload, proto.MSS)
	require.Nil(t, p.b.HandleSegment(first).Payload)

	deliver(t, p.ab, p.b, p.ba)
	out := readAll(p.b)
	out = append(out, readAll(p.b)...)
	require.Equal(t, data, out)
	deliver(t, p.ba, p.a, p.ab)
	require.Zero(t, p.a.Snapshot().Inflight)
}

func TestLink_Order(t *testing.T) {
	p := newPair(64, 64, 1, 64)
	p.a.VWrite([]byte("xyz"))
	require.Equal(t, 3, flush(t, p.a, p.ab))

	p.ab.Drop(1)
	p.ab.Reverse()
	var got []byte
	for p.ab.Len() > 0 {
		seg, err := p.ab.Recv()
		require.NoError(t, err)
		got = append(got, seg.Payload...)
	}
	require.Equal(t, "zx", string(got))

	_, err := p.ab.Recv()
	require.Error(t, err)
}
