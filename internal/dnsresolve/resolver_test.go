package dnsresolve

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortByPriorityWeight(t *testing.T) {
	targets := []Target{
		{IP: net.ParseIP("10.0.0.3"), Priority: 10, Weight: 5},
		{IP: net.ParseIP("10.0.0.1"), Priority: 0, Weight: 1},
		{IP: net.ParseIP("10.0.0.2"), Priority: 0, Weight: 9},
	}
	sortByPriorityWeight(targets)

	require := assert.New(t)
	require.Equal("10.0.0.2", targets[0].IP.String())
	require.Equal("10.0.0.1", targets[1].IP.String())
	require.Equal("10.0.0.3", targets[2].IP.String())
}

func TestAddrTargets(t *testing.T) {
	ips := []net.IP{net.ParseIP("192.0.2.1"), net.ParseIP("192.0.2.2")}
	targets := addrTargets(ips, 3478)

	assert.Len(t, targets, 2)
	assert.Equal(t, uint16(3478), targets[0].Port)
	assert.Equal(t, "192.0.2.1:3478", targets[0].String())
}

func TestDefaultPortForService(t *testing.T) {
	assert.EqualValues(t, 3478, defaultPortForService("turn"))
	assert.EqualValues(t, 5349, defaultPortForService("turns"))
	assert.EqualValues(t, 0, defaultPortForService("unknown"))
}
