package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferPool_GetReturnsCorrectSize(t *testing.T) {
	p := NewBufferPool(1024)
	buf := p.Get()
	assert.Len(t, *buf, 1024)
}

func TestBufferPool_PutResetsLength(t *testing.T) {
	p := NewBufferPool(64)
	buf := p.Get()
	*buf = append(*buf, make([]byte, 100)...)
	p.Put(buf)

	reused := p.Get()
	assert.Len(t, *reused, 64)
}

func TestBufferPool_ReusesUnderlyingArray(t *testing.T) {
	p := NewBufferPool(32)
	first := p.Get()
	(*first)[0] = 0xAB
	p.Put(first)

	second := p.Get()
	assert.Equal(t, byte(0xAB), (*second)[0])
}
