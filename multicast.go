package ethdma

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/ethdma/mac"
)

// multicastFilter keeps the hardware group address filter in step with the
// joined groups. Several groups can share a hash bucket, so buckets are
// reference counted.
type multicastFilter struct {
	l   logrus.FieldLogger
	dev mac.Device

	mu     sync.Mutex
	groups map[string]int
	refs   [mac.HashBuckets]int
	filter mac.HashFilter
}

func newMulticastFilter(l logrus.FieldLogger, dev mac.Device) *multicastFilter {
	return &multicastFilter{
		l:      l,
		dev:    dev,
		groups: make(map[string]int),
	}
}

func (m *multicastFilter) join(addr net.HardwareAddr) error {
	if len(addr) != 6 || addr[0]&1 == 0 {
		return ErrNotMulticast
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := addr.String()
	m.groups[key]++
	if m.groups[key] > 1 {
		return nil
	}

	bucket := mac.MulticastHash(addr)
	m.refs[bucket]++
	if m.refs[bucket] == 1 {
		m.filter.Set(bucket)
		m.dev.SetMulticastHash(m.filter.Hi, m.filter.Lo)
	}
	m.l.WithField("group", key).WithField("bucket", bucket).Info("Joined multicast group")
	return nil
}

func (m *multicastFilter) leave(addr net.HardwareAddr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := addr.String()
	n, ok := m.groups[key]
	if !ok {
		return ErrNotJoined
	}
	if n > 1 {
		m.groups[key] = n - 1
		return nil
	}
	delete(m.groups, key)

	bucket := mac.MulticastHash(addr)
	m.refs[bucket]--
	if m.refs[bucket] == 0 {
		m.filter.Clear(bucket)
		m.dev.SetMulticastHash(m.filter.Hi, m.filter.Lo)
	}
	m.l.WithField("group", key).Info("Left multicast group")
	return nil
}

// program writes the current filter to the hardware.
func (m *multicastFilter) program() {
	m.mu.Lock()
	m.dev.SetMulticastHash(m.filter.Hi, m.filter.Lo)
	m.mu.Unlock()
}

func (m *multicastFilter) joined() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	groups := make([]string, 0, len(m.groups))
	for g := range m.groups {
		groups = append(groups, g)
	}
	return groups
}
