package identity

import (
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the session-token payload issued by the identity provider.
type Claims struct {
	UID   string `json:"uid"`
	Name  string `json:"name"`
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// TokenProvider implements Provider on top of HS256 session tokens:
// SignIn validates a token and adopts its claims as the identity.
type TokenProvider struct {
	secret []byte

	mu      sync.Mutex
	current *Identity
	subs    map[int]func(*Identity)
	next    int
}

var _ Provider = (*TokenProvider)(nil)

// NewTokenProvider creates a provider validating tokens with secret.
func NewTokenProvider(secret string) *TokenProvider {
	return &TokenProvider{
		secret: []byte(secret),
		subs:   make(map[int]func(*Identity)),
	}
}

// SignIn validates the session token and signs the user in.
func (p *TokenProvider) SignIn(token string) (*Identity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse session token: %w", err)
	}
	if !parsed.Valid || claims.UID == "" {
		return nil, fmt.Errorf("invalid session token")
	}

	id := &Identity{UID: claims.UID, Name: claims.Name, Email: claims.Email}
	p.setCurrent(id)
	return id, nil
}

// Current returns the signed-in identity, or nil when signed out.
func (p *TokenProvider) Current() (*Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, nil
}

// SignOut clears the current identity.
func (p *TokenProvider) SignOut() error {
	p.setCurrent(nil)
	return nil
}

// OnChange registers a transition callback.
func (p *TokenProvider) OnChange(cb func(*Identity)) func() {
	p.mu.Lock()
	id := p.next
	p.next++
	p.subs[id] = cb
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

func (p *TokenProvider) setCurrent(id *Identity) {
	p.mu.Lock()
	p.current = id
	cbs := make([]func(*Identity), 0, len(p.subs))
	for _, cb := range p.subs {
		cbs = append(cbs, cb)
	}
	p.mu.Unlock()

	for _, cb := range cbs {
		cb(id)
	}
}

// IssueToken signs a session token for the given identity. Intended
// for provisioning and tests; production tokens come from the
// provider's own auth flow.
func IssueToken(secret string, id Identity) (string, error) {
	claims := &Claims{UID: id.UID, Name: id.Name, Email: id.Email}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
