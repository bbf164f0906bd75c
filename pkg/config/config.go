// Package config loads the server's startup configuration from an .ini
// file: bind address, transport choice, queue sizing, and the table of
// calibration segments to create (spec.md §6 "Configuration").
//
// Grounded on the teacher's pkg/od/parser.go, which loads an EDS file
// through gopkg.in/ini.v1 and walks ini.File.Sections() matching section
// names against a regexp to decide what kind of object dictionary entry
// each section describes. The shape here is the same: one well-known
// [server] section, plus any number of [segment "name"] sections matched
// by name pattern, one per calibration segment to create at startup.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"gopkg.in/ini.v1"
)

var segmentSectionRe = regexp.MustCompile(`^segment\s+"([^"]+)"$`)

var (
	ErrNoBindAddress    = errors.New("config: [server] bind is required")
	ErrUnknownTransport = errors.New("config: transport must be udp, tcp or virtual")
	ErrDuplicateSegment = errors.New("config: duplicate segment name")
	ErrBadSegmentSize   = errors.New("config: segment size must be > 0 and match default length, if given")
)

// SegmentConfig describes one calibration segment to create at startup.
type SegmentConfig struct {
	Name    string
	Size    int
	Default []byte // decoded from the section's "default" hex string, zero-filled if absent
}

// ServerConfig is the fully parsed, validated startup configuration.
type ServerConfig struct {
	Bind      string
	Transport string // "udp", "tcp" or "virtual"
	MTU       uint16
	QueueSize int
	Segments  []SegmentConfig
}

const (
	defaultMTU       = 1472 // Ethernet MTU minus IP/UDP headers, spec.md §4.1
	defaultQueueSize = 65536
)

// Load parses source (a file path, []byte, or io.Reader — anything
// gopkg.in/ini.v1's Load accepts) into a validated ServerConfig.
func Load(source any) (*ServerConfig, error) {
	// Same-named sections are kept apart rather than merged, so a
	// repeated [segment "X"] reaches the duplicate check below.
	file, err := ini.LoadSources(ini.LoadOptions{AllowNonUniqueSections: true}, source)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg := &ServerConfig{
		Transport: "udp",
		MTU:       defaultMTU,
		QueueSize: defaultQueueSize,
	}

	if file.HasSection("server") {
		sec := file.Section("server")
		cfg.Bind = sec.Key("bind").String()
		if v := sec.Key("transport").String(); v != "" {
			cfg.Transport = v
		}
		if v := sec.Key("mtu").String(); v != "" {
			n, err := strconv.ParseUint(v, 10, 16)
			if err != nil {
				return nil, fmt.Errorf("config: [server] mtu: %w", err)
			}
			cfg.MTU = uint16(n)
		}
		if v := sec.Key("queue_size").String(); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("config: [server] queue_size: %w", err)
			}
			cfg.QueueSize = n
		}
	}

	seen := map[string]struct{}{}
	for _, section := range file.Sections() {
		m := segmentSectionRe.FindStringSubmatch(section.Name())
		if m == nil {
			continue
		}
		name := m[1]
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateSegment, name)
		}
		seen[name] = struct{}{}

		seg, err := parseSegmentSection(name, section)
		if err != nil {
			return nil, err
		}
		cfg.Segments = append(cfg.Segments, seg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseSegmentSection(name string, section *ini.Section) (SegmentConfig, error) {
	seg := SegmentConfig{Name: name}

	sizeStr := section.Key("size").String()
	defaultStr := section.Key("default").String()

	var defaultBytes []byte
	if defaultStr != "" {
		decoded, err := hex.DecodeString(defaultStr)
		if err != nil {
			return SegmentConfig{}, fmt.Errorf("config: segment %q default: %w", name, err)
		}
		defaultBytes = decoded
	}

	if sizeStr != "" {
		n, err := strconv.Atoi(sizeStr)
		if err != nil {
			return SegmentConfig{}, fmt.Errorf("config: segment %q size: %w", name, err)
		}
		seg.Size = n
	} else {
		seg.Size = len(defaultBytes)
	}

	if defaultBytes == nil {
		defaultBytes = make([]byte, seg.Size)
	}
	seg.Default = defaultBytes

	if seg.Size <= 0 || len(seg.Default) != seg.Size {
		return SegmentConfig{}, fmt.Errorf("%w: segment %q has size %d, default length %d", ErrBadSegmentSize, name, seg.Size, len(seg.Default))
	}
	return seg, nil
}

// Validate checks the invariants a ServerConfig must satisfy before it
// is handed to pkg/xcp to build a server from.
func (c *ServerConfig) Validate() error {
	if c.Transport != "virtual" && c.Bind == "" {
		return ErrNoBindAddress
	}
	switch c.Transport {
	case "udp", "tcp", "virtual":
	default:
		return fmt.Errorf("%w: got %q", ErrUnknownTransport, c.Transport)
	}
	return nil
}
