package auth

import (
	"sort"
	"strings"
	"sync"
)

// AdminList is the administrator allow-list. It is consulted when a
// session is issued; replacing it does not change existing sessions.
type AdminList struct {
	mu     sync.RWMutex
	emails map[string]struct{}
}

// NewAdminList creates an allow-list from email addresses.
func NewAdminList(emails []string) *AdminList {
	a := &AdminList{}
	a.Replace(emails)
	return a
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Contains reports whether email is an administrator.
func (a *AdminList) Contains(email string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.emails[normalizeEmail(email)]
	return ok
}

// Replace swaps the whole list.
func (a *AdminList) Replace(emails []string) {
	set := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		if e = normalizeEmail(e); e != "" {
			set[e] = struct{}{}
		}
	}
	a.mu.Lock()
	a.emails = set
	a.mu.Unlock()
}

// Emails returns the list, sorted.
func (a *AdminList) Emails() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.emails))
	for e := range a.emails {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}
