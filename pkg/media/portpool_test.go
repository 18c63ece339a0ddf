package media

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func closeAll(t *testing.T, p *portPool) {
	t.Helper()
	for _, lease := range p.leases {
		require.NoError(t, lease.Close())
	}
}

func TestPortPoolRandomModeFillsToMax(t *testing.T) {
	p := newPortPool(portRange{}, 4)
	p.fill()
	defer closeAll(t, p)

	require.Equal(t, 4, p.len())
	seen := make(map[int]bool)
	for _, lease := range p.leases {
		require.NotNil(t, lease.Listener)
		require.False(t, seen[lease.Port], "port %d bound twice", lease.Port)
		seen[lease.Port] = true
	}
}

func TestPortPoolNeverExceedsMax(t *testing.T) {
	p := newPortPool(portRange{}, 2)
	p.fill()
	p.fill()
	defer closeAll(t, p)
	require.Equal(t, 2, p.len())
}

func TestPortPoolRangeModeSkipsTakenPorts(t *testing.T) {
	// occupy the low end of the range so fill has to skip past it
	lo := 19780
	taken, err := net.ListenTCP("tcp", &net.TCPAddr{Port: lo})
	require.NoError(t, err)
	defer taken.Close()

	p := newPortPool(portRange{Lo: lo, Hi: lo + 3}, 2)
	p.fill()
	defer closeAll(t, p)

	require.Equal(t, 2, p.len())
	for _, lease := range p.leases {
		require.NotEqual(t, lo, lease.Port)
		require.GreaterOrEqual(t, lease.Port, lo+1)
		require.LessOrEqual(t, lease.Port, lo+3)
	}
}

func TestPortPoolWrapsBackToLowEnd(t *testing.T) {
	lo, hi := 19790, 19791
	p := newPortPool(portRange{Lo: lo, Hi: hi}, 1)

	first, ok := p.next()
	require.True(t, ok)
	require.Equal(t, lo, first.Port)

	second, ok := p.next()
	require.True(t, ok)
	require.Equal(t, hi, second.Port)

	// both range ports are now handed out; releasing the first makes the
	// next refill wrap around and retry the range from the low end
	require.NoError(t, first.Close())
	third, ok := p.next()
	require.True(t, ok)
	require.Equal(t, lo, third.Port)

	require.NoError(t, second.Close())
	require.NoError(t, third.Close())
}

func TestPortPoolExhaustedRangeReportsNoPorts(t *testing.T) {
	lo := 19795
	taken, err := net.ListenTCP("tcp", &net.TCPAddr{Port: lo})
	require.NoError(t, err)
	defer taken.Close()

	p := newPortPool(portRange{Lo: lo, Hi: lo}, 1)
	_, ok := p.next()
	require.False(t, ok)
}
