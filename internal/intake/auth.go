package intake

import (
	"fmt"
	"strings"
	"sync"

	"github.com/msageha/fetchd/internal/model"
)

// Authorizer decides whether owner may submit and manage transfers.
type Authorizer interface {
	Authorize(owner string) error
	// CanManage reports whether actor may cancel a task owned by owner.
	CanManage(actor, owner string) bool
}

// AllowList authorizes the owners listed in auth.authorized_owners. The first
// entry is the administrator and may manage every task. An empty list
// authorizes everyone.
type AllowList struct {
	mu     sync.RWMutex
	admin  string
	owners map[string]struct{}
}

func NewAllowList(owners []string) *AllowList {
	a := &AllowList{owners: make(map[string]struct{})}
	for _, o := range owners {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if a.admin == "" {
			a.admin = o
		}
		a.owners[o] = struct{}{}
	}
	return a
}

func (a *AllowList) Authorize(owner string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.owners) == 0 {
		return nil
	}
	if _, ok := a.owners[owner]; !ok {
		return fmt.Errorf("%w: %q", model.ErrUnauthorized, owner)
	}
	return nil
}

func (a *AllowList) CanManage(actor, owner string) bool {
	if a.Authorize(actor) != nil {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return actor == owner || a.admin == "" || actor == a.admin
}

// Add authorizes owner. It reports false when owner was already listed.
func (a *AllowList) Add(owner string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.owners[owner]; ok || owner == "" {
		return false
	}
	if a.admin == "" {
		a.admin = owner
	}
	a.owners[owner] = struct{}{}
	return true
}

// Remove revokes owner. The administrator cannot be removed.
func (a *AllowList) Remove(owner string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if owner == a.admin {
		return false
	}
	if _, ok := a.owners[owner]; !ok {
		return false
	}
	delete(a.owners, owner)
	return true
}

func (a *AllowList) Admin() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.admin
}
