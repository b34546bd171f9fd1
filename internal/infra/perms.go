package infra

import (
	"sync"

	"dex_go/internal/domain"
)

// StaticPerms is the permission table the engine consults on every
// call. Accounts always control themselves; operators control
// everything; delegation grants one caller access to one account.
type StaticPerms struct {
	mu        sync.RWMutex
	operators map[domain.UserID]bool
	delegates map[domain.UserID]map[domain.UserID]bool
}

// NewStaticPerms creates the table with the configured operator set.
func NewStaticPerms(operators []domain.UserID) *StaticPerms {
	ops := make(map[domain.UserID]bool, len(operators))
	for _, id := range operators {
		ops[id] = true
	}
	return &StaticPerms{
		operators: ops,
		delegates: make(map[domain.UserID]map[domain.UserID]bool),
	}
}

// HasTradingPermission reports whether caller may trade on account.
func (p *StaticPerms) HasTradingPermission(caller, account domain.UserID) bool {
	if caller == account {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.operators[caller] {
		return true
	}
	return p.delegates[account][caller]
}

// IsOperator reports whether caller holds operator privileges.
func (p *StaticPerms) IsOperator(caller domain.UserID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.operators[caller]
}

// Delegate grants caller trading access on account.
func (p *StaticPerms) Delegate(account, caller domain.UserID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.delegates[account] == nil {
		p.delegates[account] = make(map[domain.UserID]bool)
	}
	p.delegates[account][caller] = true
}

// Revoke removes caller's delegated access on account.
func (p *StaticPerms) Revoke(account, caller domain.UserID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.delegates[account], caller)
}
