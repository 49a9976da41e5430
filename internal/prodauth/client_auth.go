package prodauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"sync"
)

// ClientAuthenticator checks the bearer tokens presented by callers of the
// proxy. Tokens are kept hashed and compared in constant time.
type ClientAuthenticator struct {
	mu    sync.RWMutex
	users []clientUser
}

type clientUser struct {
	name string
	hash [sha256.Size]byte
}

func NewClientAuthenticator(users []User) *ClientAuthenticator {
	a := &ClientAuthenticator{}
	a.Update(users)
	return a
}

func (a *ClientAuthenticator) Update(users []User) {
	hashed := make([]clientUser, 0, len(users))
	for _, user := range users {
		hashed = append(hashed, clientUser{name: user.Name, hash: sha256.Sum256([]byte(user.Token))})
	}
	a.mu.Lock()
	a.users = hashed
	a.mu.Unlock()
}

func (a *ClientAuthenticator) HasUsers() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.users) > 0
}

func (a *ClientAuthenticator) Authenticate(token string) (string, bool) {
	sum := sha256.Sum256([]byte(token))
	a.mu.RLock()
	defer a.mu.RUnlock()
	name, found := "", false
	for _, user := range a.users {
		if subtle.ConstantTimeCompare(sum[:], user.hash[:]) == 1 {
			name, found = user.name, true
		}
	}
	return name, found
}
