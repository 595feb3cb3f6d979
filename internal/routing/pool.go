package routing

import (
	"fmt"
	"sync"
)

// Target is a backend address that accepts the relayed TLS stream.
type Target struct {
	Address string `json:"address"`
	Weight  int    `json:"weight"`
	// ProxyProtocol selects the PROXY protocol header sent before the
	// ClientHello: 0 disables it, 1 and 2 pick the version.
	ProxyProtocol int `json:"proxyProtocol,omitempty"`
}

// Pool holds the targets of one route and picks among them with weighted
// round robin.
type Pool struct {
	targets           []Target
	mu                sync.Mutex
	currentWeight     int
	currentIndex      int
	greatestCommonDiv int
	maxWeight         int
}

// NewPool creates a pool over targets. Weights below 1 count as 1.
func NewPool(targets []Target) *Pool {
	p := &Pool{
		targets:      make([]Target, len(targets)),
		currentIndex: -1,
	}
	copy(p.targets, targets)
	for i := range p.targets {
		if p.targets[i].Weight < 1 {
			p.targets[i].Weight = 1
		}
	}
	p.recalculate()
	return p
}

// Len returns the number of targets in the pool.
func (p *Pool) Len() int {
	return len(p.targets)
}

// Targets returns a copy of the pool's targets.
func (p *Pool) Targets() []Target {
	out := make([]Target, len(p.targets))
	copy(out, p.targets)
	return out
}

// Select chooses a target using the Weighted Round Robin algorithm.
func (p *Pool) Select() (Target, error) {
	if len(p.targets) == 0 {
		return Target{}, fmt.Errorf("no targets available in the pool")
	}
	if len(p.targets) == 1 {
		return p.targets[0], nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		p.currentIndex = (p.currentIndex + 1) % len(p.targets)
		if p.currentIndex == 0 {
			p.currentWeight -= p.greatestCommonDiv
			if p.currentWeight <= 0 {
				p.currentWeight = p.maxWeight
			}
		}
		if p.targets[p.currentIndex].Weight >= p.currentWeight {
			return p.targets[p.currentIndex], nil
		}
	}
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func (p *Pool) recalculate() {
	p.greatestCommonDiv = 1
	p.maxWeight = 0
	for i, t := range p.targets {
		if i == 0 {
			p.greatestCommonDiv = t.Weight
		} else {
			p.greatestCommonDiv = gcd(p.greatestCommonDiv, t.Weight)
		}
		if t.Weight > p.maxWeight {
			p.maxWeight = t.Weight
		}
	}
}
