package netutil

import "sync"

// PeerMap remembers which client address sits behind each loopback connection
// the dispatcher opens, so servers fed over loopback can report the real client.
type PeerMap struct {
	m sync.Map
}

// Put records that the loopback connection whose local address is local
// carries traffic for remote.
func (p *PeerMap) Put(local, remote string) {
	p.m.Store(local, remote)
}

func (p *PeerMap) Delete(local string) {
	p.m.Delete(local)
}

// Resolve returns the client behind addr, or addr itself when unknown.
func (p *PeerMap) Resolve(addr string) string {
	if p == nil {
		return addr
	}
	if v, ok := p.m.Load(addr); ok {
		return v.(string)
	}
	return addr
}
