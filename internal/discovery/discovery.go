// Package discovery defines the service-discovery surface the
// orchestrator consumes. Implementations wrap an mDNS browser or, in
// tests, a hand-fed channel.
package discovery

// Service is one discovered device endpoint.
type Service struct {
	ID        string
	Name      string
	Addresses []string
	Port      int
	Text      map[string]string
}

// Event announces a service appearing or disappearing.
type Event struct {
	Up      bool
	Service Service
}

// Browser emits discovery events until stopped.
type Browser interface {
	Events() <-chan Event
	Start() error
	Stop()
}

// ChanBrowser is a Browser fed by hand. The orchestrator's own tests and
// the CLI's fixed-host mode use it.
type ChanBrowser struct {
	ch chan Event
}

func NewChanBrowser() *ChanBrowser {
	return &ChanBrowser{ch: make(chan Event, 16)}
}

func (b *ChanBrowser) Events() <-chan Event { return b.ch }

func (b *ChanBrowser) Start() error { return nil }

func (b *ChanBrowser) Stop() {}

// Announce feeds one service-up or service-down event.
func (b *ChanBrowser) Announce(ev Event) {
	b.ch <- ev
}
