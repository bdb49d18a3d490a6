// Package discovery feeds peer addresses to the node. A Discovery source
// produces addresses on a channel; the node dials each one as it arrives.
package discovery

import (
	"sync"
)

// Discovery is a source of peer addresses to dial. The channel is closed
// when the source is exhausted or closed.
type Discovery interface {
	Chan() <-chan string
	Close() error
}

// StaticDiscovery replays a fixed list of addresses, typically the seeds
// from the configuration, then keeps the channel open so the node's dial
// loop does not exit early.
type StaticDiscovery struct {
	ch        chan string
	closeOnce sync.Once
}

// NewStaticDiscovery creates a discovery source from a fixed address list.
func NewStaticDiscovery(addrs []string) *StaticDiscovery {
	ch := make(chan string, len(addrs))
	for _, a := range addrs {
		ch <- a
	}

	return &StaticDiscovery{ch: ch}
}

// Chan implements the Discovery interface.
func (s *StaticDiscovery) Chan() <-chan string {
	return s.ch
}

// Close implements the Discovery interface.
func (s *StaticDiscovery) Close() error {
	s.closeOnce.Do(func() {
		close(s.ch)
	})
	return nil
}

// ChanDiscovery is an externally fed discovery source, used when another
// component (or a test) wants to hand addresses to the node at runtime.
type ChanDiscovery struct {
	ch        chan string
	closeOnce sync.Once
}

// NewChanDiscovery creates an externally fed discovery source.
func NewChanDiscovery() *ChanDiscovery {
	return &ChanDiscovery{ch: make(chan string, 16)}
}

// Submit queues an address for dialing. It returns false if the buffer is
// full or the source is closed.
func (c *ChanDiscovery) Submit(addr string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case c.ch <- addr:
		return true
	default:
		return false
	}
}

// Chan implements the Discovery interface.
func (c *ChanDiscovery) Chan() <-chan string {
	return c.ch
}

// Close implements the Discovery interface.
func (c *ChanDiscovery) Close() error {
	c.closeOnce.Do(func() {
		close(c.ch)
	})
	return nil
}
