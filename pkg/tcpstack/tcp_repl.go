package tcpstack

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"iptcp-ringbuf/pkg/config"
	"iptcp-ringbuf/pkg/repl"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
)

const defaultReadSize = 1024

// Simulator connects a client and a server Stream over two Links so that
// segments can be reordered, dropped and retransmitted by hand.
type Simulator struct {
	Client, Server *Stream
	Uplink         *Link // client -> server
	Downlink       *Link // server -> client
}

func NewSimulator(cfg *config.StreamConfig, iss, irs seqnum.Value) *Simulator {
	id := EndpointFromConfig(cfg)
	return &Simulator{
		Client:   NewStream(id, cfg, iss, irs),
		Server:   NewStream(id.Reverse(), cfg, irs, iss),
		Uplink:   NewLink(),
		Downlink: NewLink(),
	}
}

// Flush moves every segment the client may send onto the uplink.
func (sim *Simulator) Flush() (int, error) {
	n := 0
	for seg := sim.Client.NextSegment(); seg != nil; seg = sim.Client.NextSegment() {
		if err := sim.Uplink.Send(sim.Client.TCPEndpointID, seg); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Deliver hands queued segments to the server and the resulting ACKs back to
// the client. Segments failing validation are logged and dropped.
func (sim *Simulator) Deliver() (int, error) {
	n := 0
	for sim.Uplink.Len() > 0 {
		seg, err := sim.Uplink.Recv()
		if err != nil {
			logger.Warn("dropping segment", "error", err)
			continue
		}
		n++
		if err := sim.Downlink.Send(sim.Server.TCPEndpointID, sim.Server.HandleSegment(seg)); err != nil {
			return n, err
		}
	}
	for sim.Downlink.Len() > 0 {
		seg, err := sim.Downlink.Recv()
		if err != nil {
			logger.Warn("dropping ack", "error", err)
			continue
		}
		sim.Client.HandleSegment(seg)
	}
	return n, nil
}

// Read drains up to n readable bytes from the server and advertises the
// freed window to the client.
func (sim *Simulator) Read(n int) ([]byte, error) {
	buf := make([]byte, n)
	read := sim.Server.VRead(buf)
	if err := sim.Downlink.Send(sim.Server.TCPEndpointID, sim.Server.WindowUpdate()); err != nil {
		return nil, err
	}
	if _, err := sim.Deliver(); err != nil {
		return nil, err
	}
	return buf[:read], nil
}

func SimRepl(sim *Simulator) *repl.REPL {
	r := repl.NewRepl()
	r.AddCommand("s", sendHandler(sim), "Queues data on the client. usage: s <data>")
	r.AddCommand("flush", flushHandler(sim), "Puts every sendable segment on the wire. usage: flush")
	r.AddCommand("deliver", deliverHandler(sim), "Delivers queued segments and their ACKs. usage: deliver")
	r.AddCommand("drop", dropHandler(sim), "Drops a queued segment. usage: drop <index>")
	r.AddCommand("reverse", reverseHandler(sim), "Reverses the order of queued segments. usage: reverse")
	r.AddCommand("retx", retransmitHandler(sim), "Retransmits the oldest unacknowledged segment. usage: retx")
	r.AddCommand("r", readHandler(sim), "Reads from the server. usage: r [numbytes]")
	r.AddCommand("ls", lsHandler(sim), "Shows both streams. usage: ls")
	return r
}

func sendHandler(sim *Simulator) func(string, *repl.REPLConfig) error {
	return func(input string, config *repl.REPLConfig) error {
		data, found := strings.CutPrefix(input, "s ")
		if !found || data == "" {
			return fmt.Errorf("usage: s <data>")
		}
		n := sim.Client.VWrite([]byte(data))
		io.WriteString(config.Writer, fmt.Sprintf("Queued %d bytes\n", n))
		return nil
	}
}

func flushHandler(sim *Simulator) func(string, *repl.REPLConfig) error {
	return func(input string, config *repl.REPLConfig) error {
		n, err := sim.Flush()
		if err != nil {
			return err
		}
		io.WriteString(config.Writer, fmt.Sprintf("Sent %d segments\n", n))
		return nil
	}
}

func deliverHandler(sim *Simulator) func(string, *repl.REPLConfig) error {
	return func(input string, config *repl.REPLConfig) error {
		n, err := sim.Deliver()
		if err != nil {
			return err
		}
		io.WriteString(config.Writer, fmt.Sprintf("Delivered %d segments\n", n))
		return nil
	}
}

func dropHandler(sim *Simulator) func(string, *repl.REPLConfig) error {
	return func(input string, config *repl.REPLConfig) error {
		args := strings.Fields(input)
		if len(args) != 2 {
			return fmt.Errorf("usage: drop <index>")
		}
		i, err := strconv.Atoi(args[1])
		if err != nil {
			return err
		}
		if i < 0 || i >= sim.Uplink.Len() {
			return errors.Errorf("index %d out of range, %d segments queued", i, sim.Uplink.Len())
		}
		sim.Uplink.Drop(i)
		return nil
	}
}

func reverseHandler(sim *Simulator) func(string, *repl.REPLConfig) error {
	return func(input string, config *repl.REPLConfig) error {
		sim.Uplink.Reverse()
		return nil
	}
}

func retransmitHandler(sim *Simulator) func(string, *repl.REPLConfig) error {
	return func(input string, config *repl.REPLConfig) error {
		seg, err := sim.Client.Retransmit()
		if err != nil {
			return err
		}
		if seg == nil {
			io.WriteString(config.Writer, "Nothing in flight\n")
			return nil
		}
		return sim.Uplink.Send(sim.Client.TCPEndpointID, seg)
	}
}

func readHandler(sim *Simulator) func(string, *repl.REPLConfig) error {
	return func(input string, config *repl.REPLConfig) error {
		args := strings.Fields(input)
		n := defaultReadSize
		if len(args) > 2 {
			return fmt.Errorf("usage: r [numbytes]")
		}
		if len(args) == 2 {
			var err error
			if n, err = strconv.Atoi(args[1]); err != nil {
				return err
			}
			if n <= 0 {
				return errors.Errorf("invalid number of bytes %d", n)
			}
		}
		data, err := sim.Read(n)
		if err != nil {
			return err
		}
		io.WriteString(config.Writer, fmt.Sprintf("Read %d bytes: %s\n", len(data), string(data)))
		return nil
	}
}

func lsHandler(sim *Simulator) func(string, *repl.REPLConfig) error {
	return func(input string, config *repl.REPLConfig) error {
		io.WriteString(config.Writer, fmt.Sprintf("client %v\n\t%v\n", sim.Client.TCPEndpointID, sim.Client.Snapshot()))
		io.WriteString(config.Writer, fmt.Sprintf("server %v\n\t%v\n", sim.Server.TCPEndpointID, sim.Server.Snapshot()))
		io.WriteString(config.Writer, fmt.Sprintf("wire: %d segments queued\n", sim.Uplink.Len()))
		return nil
	}
}
