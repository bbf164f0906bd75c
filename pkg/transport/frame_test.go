package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, HeaderLen)
	EncodeHeader(buf, 9, 42)
	frame := DecodeHeader(buf)
	assert.EqualValues(t, 9, frame.Len)
	assert.EqualValues(t, 42, frame.Ctr)
}
