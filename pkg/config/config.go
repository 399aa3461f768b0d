package config

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"iptcp-ringbuf/pkg/proto"

	"github.com/pkg/errors"
)

const (
	MaxWindow  = 1<<16 - 1
	DefaultMSS = proto.MSS // largest segment text the wire carries
)

// StreamConfig describes the buffers and endpoints of a single stream. It only
// mirrors the config file; runtime state lives in tcpstack.
type StreamConfig struct {
	SendBufferSize int
	RecvBufferSize int
	MSS            int
	InitialWindow  int

	Local  netip.AddrPort
	Remote netip.AddrPort

	LogLevel slog.Level
}

// Config for testing and for running without a file
var DefaultStreamConfig = StreamConfig{
	SendBufferSize: MaxWindow,
	RecvBufferSize: MaxWindow,
	MSS:            DefaultMSS,
	InitialWindow:  MaxWindow,
	Local:          netip.MustParseAddrPort("10.0.0.1:9000"),
	Remote:         netip.MustParseAddrPort("10.0.0.2:80"),
	LogLevel:       slog.LevelInfo,
}

type ParseFunc func(int, []string, *StreamConfig) error

var parseCommands = map[string]ParseFunc{
	"send-buffer":    parseSize(func(c *StreamConfig) *int { return &c.SendBufferSize }, 0, MaxWindow),
	"recv-buffer":    parseSize(func(c *StreamConfig) *int { return &c.RecvBufferSize }, 0, MaxWindow),
	"mss":            parseSize(func(c *StreamConfig) *int { return &c.MSS }, 1, DefaultMSS),
	"initial-window": parseSize(func(c *StreamConfig) *int { return &c.InitialWindow }, 0, MaxWindow),
	"local":          parseAddr(func(c *StreamConfig) *netip.AddrPort { return &c.Local }),
	"remote":         parseAddr(func(c *StreamConfig) *netip.AddrPort { return &c.Remote }),
	"log-level":      parseLogLevel,
}

func parseSize(field func(*StreamConfig) *int, lowest, highest int) ParseFunc {
	return func(ln int, tokens []string, config *StreamConfig) error {
		if len(tokens) != 2 {
			return newErrString(ln, "Usage:  %s <bytes>", tokens[0])
		}
		n, err := strconv.Atoi(tokens[1])
		if err != nil {
			return newErr(ln, err)
		}
		if n < lowest || n > highest {
			return newErrString(ln, "%s %d is out of range [%d, %d]", tokens[0], n, lowest, highest)
		}
		*field(config) = n
		return nil
	}
}

func parseAddr(field func(*StreamConfig) *netip.AddrPort) ParseFunc {
	return func(ln int, tokens []string, config *StreamConfig) error {
		if len(tokens) != 2 {
			return newErrString(ln, "Usage:  %s <addr:port>", tokens[0])
		}
		addrPort, err := netip.ParseAddrPort(tokens[1])
		if err != nil {
			return newErr(ln, err)
		}
		if !addrPort.Addr().Is4() {
			return newErrString(ln, "%s must be an IPv4 address", tokens[0])
		}
		*field(config) = addrPort
		return nil
	}
}

func parseLogLevel(ln int, tokens []string, config *StreamConfig) error {
	if len(tokens) != 2 {
		return newErrString(ln, "Usage:  log-level <debug|info|warn|error>")
	}
	if err := config.LogLevel.UnmarshalText([]byte(tokens[1])); err != nil {
		return newErr(ln, err)
	}
	return nil
}

func newErrString(line int, msg string, args ...any) error {
	return errors.Errorf("Parse error on line %d:  %s", line, fmt.Sprintf(msg, args...))
}

func newErr(line int, err error) error {
	return errors.Wrapf(err, "Parse error on line %d", line)
}

// Parse reads a stream configuration. Directives not present keep their
// DefaultStreamConfig values.
func Parse(r io.Reader) (*StreamConfig, error) {
	config := DefaultStreamConfig

	scanner := bufio.NewScanner(r)
	ln := 0
	for scanner.Scan() {
		ln++

		tokens := strings.Fields(scanner.Text())
		if len(tokens) == 0 {
			continue
		}

		// Skip comments
		head := tokens[0]
		if head[0] == '#' {
			continue
		}

		pf, found := parseCommands[head]
		if !found {
			return nil, newErrString(ln, "Unrecognized token %s", head)
		}
		if err := pf(ln, tokens, &config); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	if config.MSS > config.SendBufferSize && config.SendBufferSize > 0 {
		return nil, errors.Errorf("mss %d exceeds send-buffer %d", config.MSS, config.SendBufferSize)
	}
	return &config, nil
}

// Parse a configuration file
func ParseConfig(configFile string) (*StreamConfig, error) {
	fd, err := os.Open(configFile)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open config")
	}
	defer fd.Close()
	return Parse(fd)
}
