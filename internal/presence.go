package internal

import "sync"

// PresenceTracker counts open connections per email. One person with two
// tabs open is one user but two connections.
type PresenceTracker struct {
	mu     sync.Mutex
	online map[string]int
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{online: make(map[string]int)}
}

func (p *PresenceTracker) Increment(email string) int {
	if email == "" {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[email]++
	return p.online[email]
}

func (p *PresenceTracker) Decrement(email string) int {
	if email == "" {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if count, ok := p.online[email]; ok {
		if count <= 1 {
			delete(p.online, email)
			return 0
		}
		p.online[email] = count - 1
		return p.online[email]
	}
	return 0
}

func (p *PresenceTracker) Online(email string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[email] > 0
}

func (p *PresenceTracker) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.online)
}
