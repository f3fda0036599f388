package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortPool_Sequential(t *testing.T) {
	p, err := NewPortPool(10000, 10006, 2, PortSequential)
	require.NoError(t, err)
	assert.Equal(t, 4, p.Available())

	a, err := p.Allocate()
	require.NoError(t, err)
	b, err := p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint16(10000), a)
	assert.Equal(t, uint16(10002), b)

	require.NoError(t, p.Release(a))
	c, err := p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint16(10000), c, "наименьший свободный порт")
}

func TestPortPool_Exhaustion(t *testing.T) {
	p, err := NewPortPool(10000, 10002, 2, PortRandom)
	require.NoError(t, err)

	seen := map[uint16]bool{}
	for i := 0; i < 2; i++ {
		port, err := p.Allocate()
		require.NoError(t, err)
		assert.Zero(t, port%2)
		seen[port] = true
	}
	assert.Len(t, seen, 2)

	_, err = p.Allocate()
	assert.ErrorIs(t, err, ErrNoPorts)
}

func TestPortPool_ReleaseErrors(t *testing.T) {
	p, err := NewPortPool(10000, 10010, 2, PortSequential)
	require.NoError(t, err)

	assert.Error(t, p.Release(9000), "вне диапазона")
	assert.Error(t, p.Release(10004), "не выделен")

	port, err := p.Allocate()
	require.NoError(t, err)
	require.NoError(t, p.Release(port))
	assert.Error(t, p.Release(port), "повторное освобождение")
	assert.Equal(t, 6, p.Available())
}

func TestValidatePortRange(t *testing.T) {
	assert.NoError(t, ValidatePortRange(10000, 20000, 2))
	assert.Error(t, ValidatePortRange(20000, 10000, 2))
	assert.Error(t, ValidatePortRange(10001, 20000, 2))
	assert.Error(t, ValidatePortRange(10000, 20001, 2))
	assert.Error(t, ValidatePortRange(10000, 20000, 0))
}

func TestParsePortStrategy(t *testing.T) {
	s, err := ParsePortStrategy("random")
	require.NoError(t, err)
	assert.Equal(t, PortRandom, s)
	assert.Equal(t, "random", s.String())

	s, err = ParsePortStrategy("")
	require.NoError(t, err)
	assert.Equal(t, PortSequential, s)

	_, err = ParsePortStrategy("lifo")
	assert.Error(t, err)
}
