package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const sampleIni = `
[server]
bind = 0.0.0.0:5555
transport = tcp
mtu = 1400
queue_size = 131072

[segment "Params"]
size = 4
default = AABBCCDD

[segment "Trim"]
size = 8
`

func TestLoadParsesServerSection(t *testing.T) {
	cfg, err := Load([]byte(sampleIni))
	assert.Nil(t, err)
	assert.Equal(t, "0.0.0.0:5555", cfg.Bind)
	assert.Equal(t, "tcp", cfg.Transport)
	assert.Equal(t, uint16(1400), cfg.MTU)
	assert.Equal(t, 131072, cfg.QueueSize)
}

func TestLoadParsesSegmentSections(t *testing.T) {
	cfg, err := Load([]byte(sampleIni))
	assert.Nil(t, err)
	assert.Len(t, cfg.Segments, 2)

	byName := map[string]SegmentConfig{}
	for _, s := range cfg.Segments {
		byName[s.Name] = s
	}

	params := byName["Params"]
	assert.Equal(t, 4, params.Size)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, params.Default)

	trim := byName["Trim"]
	assert.Equal(t, 8, trim.Size)
	assert.Equal(t, make([]byte, 8), trim.Default)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load([]byte("[server]\nbind = 127.0.0.1:5555\n"))
	assert.Nil(t, err)
	assert.Equal(t, "udp", cfg.Transport)
	assert.Equal(t, uint16(defaultMTU), cfg.MTU)
	assert.Equal(t, defaultQueueSize, cfg.QueueSize)
}

func TestLoadRejectsMissingBindForNetworkTransport(t *testing.T) {
	_, err := Load([]byte("[server]\ntransport = tcp\n"))
	assert.ErrorIs(t, err, ErrNoBindAddress)
}

func TestLoadAllowsVirtualTransportWithoutBind(t *testing.T) {
	cfg, err := Load([]byte("[server]\ntransport = virtual\n"))
	assert.Nil(t, err)
	assert.Equal(t, "virtual", cfg.Transport)
}

func TestLoadRejectsUnknownTransport(t *testing.T) {
	_, err := Load([]byte("[server]\nbind = 1.2.3.4:5\ntransport = carrier-pigeon\n"))
	assert.ErrorIs(t, err, ErrUnknownTransport)
}

func TestLoadRejectsDuplicateSegmentNames(t *testing.T) {
	src := `
[server]
bind = 1.2.3.4:5

[segment "A"]
size = 2

[segment "A"]
size = 4
`
	_, err := Load([]byte(src))
	assert.ErrorIs(t, err, ErrDuplicateSegment)
}

func TestLoadRejectsSegmentWithMismatchedDefaultLength(t *testing.T) {
	src := `
[server]
bind = 1.2.3.4:5

[segment "Bad"]
size = 4
default = AABB
`
	_, err := Load([]byte(src))
	assert.ErrorIs(t, err, ErrBadSegmentSize)
}
