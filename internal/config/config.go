// Package config defines the shelter server's configuration surface: a
// grouped go-flags struct for everything except the legacy two-token
// "-p tcp <port> -p udp <port>" protocol/port flag, which go-flags'
// single-token Unmarshaler cannot express and which ParseArgs therefore
// pre-scans for itself, grounded on the original's getopt-based
// parse_command_line_arguments (src/server/main.cpp).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	flags "github.com/jessevdk/go-flags"
)

// defaultPort is spec.md §6's "default port for either family if
// unspecified".
const defaultPort = 5005

// NetworkConfig carries the listen ports and the REST API's fixed address.
// TCPPort/UDPPort intentionally carry no go-flags `long` tag: they are set
// exclusively by ParseArgs' manual "-p" pre-scan, never by a
// --network.tcp-port-style flag, so that a go-flags default-tag pass can
// never clobber what the pre-scan already decided.
type NetworkConfig struct {
	TCPPort  uint16
	UDPPort  uint16
	HTTPAddr string `long:"http-addr" default:"0.0.0.0:8011" description:"Fixed REST query API listen address"`
}

// PathsConfig mirrors spec.md §6's filesystem surface, one field per path.
type PathsConfig struct {
	InputImageDir   string `long:"input-image-dir" default:"../img/inputImg/" description:"Directory holding source images"`
	ArchiveDir      string `long:"archive-dir" default:"../img/zipFiles/" description:"Directory holding compressed archives"`
	WorkingImageDir string `long:"working-image-dir" default:"../img/outputImg/" description:"Scratch directory for edge-detection output"`
	AlertFifo       string `long:"alert-fifo" default:"/tmp/alerts_fifo2" description:"Named pipe the alert producer writes to"`
	ShutdownSocket  string `long:"shutdown-socket" default:"/tmp/refugie_unix_socket" description:"Filesystem socket carrying the shutdown notice"`
	StoreDir        string `long:"store-dir" default:"database" description:"Embedded key/value store directory"`
	// LogDir defaults to "", meaning $HOME/.refuge; resolved in resolveLogDir()
	// once HOME is known, matching spec.md §6 ("Environment variables: HOME
	// is read to locate the log directory").
	LogDir  string `long:"log-dir" default:"" description:"Log directory (default: $HOME/.refuge)"`
	LogFile string `long:"log-file" default:"refuge_lab2.log" description:"Log file name within the log directory"`
}

// ImageConfig controls the image-transfer handshake's legacy behavior.
type ImageConfig struct {
	LegacyDelay bool `long:"legacy-delay" default:"true" description:"Keep the legacy 1s pause between zip_ready and the archive body (spec.md §9)"`
}

// LogConfig controls logrus's level.
type LogConfig struct {
	Level string `long:"level" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Log level"`
}

// Config is the full configuration surface.
type Config struct {
	Network NetworkConfig `group:"Network" namespace:"network" env-namespace:"NETWORK"`
	Paths   PathsConfig   `group:"Paths" namespace:"paths" env-namespace:"PATHS"`
	Image   ImageConfig   `group:"Image" namespace:"image" env-namespace:"IMAGE"`
	Log     LogConfig     `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

// ParseArgs pre-scans args for the legacy "-p <family> <port>" occurrences
// (each one consuming two tokens after the flag itself, not one, per the
// original's getopt + manual argv peek), strips them, and hands the
// remainder to a go-flags parser for everything else.
func ParseArgs(args []string) (*Config, error) {
	cfg := &Config{
		Network: NetworkConfig{TCPPort: defaultPort, UDPPort: defaultPort},
	}

	var rest []string
	for i := 0; i < len(args); i++ {
		tok := args[i]
		if tok != "-p" && tok != "--proto" {
			rest = append(rest, tok)
			continue
		}
		if i+2 >= len(args) {
			return nil, fmt.Errorf("config: %s requires a protocol family and a port", tok)
		}
		family, portStr := args[i+1], args[i+2]
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("config: invalid port %q for %s %s: %w", portStr, tok, family, err)
		}
		switch family {
		case "tcp":
			cfg.Network.TCPPort = uint16(port)
		case "udp":
			cfg.Network.UDPPort = uint16(port)
		default:
			return nil, fmt.Errorf("config: unknown protocol family %q (want tcp or udp)", family)
		}
		i += 2
	}

	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.ParseArgs(rest); err != nil {
		return nil, err
	}

	cfg.Paths.resolveLogDir()
	return cfg, nil
}

// resolveLogDir fills LogDir from $HOME when left at its default empty
// value (spec.md §6: log directory is "$HOME/.refuge/").
func (p *PathsConfig) resolveLogDir() {
	if p.LogDir != "" {
		return
	}
	p.LogDir = filepath.Join(os.Getenv("HOME"), ".refuge")
}
