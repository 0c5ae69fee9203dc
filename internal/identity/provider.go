// Package identity integrates the external authentication provider.
// The engine only ever consumes the Provider contract; the concrete
// implementation validates session tokens issued by the provider.
package identity

// Identity is the authenticated user. The engine never mutates it.
type Identity struct {
	UID   string
	Name  string
	Email string
}

// Provider is the external authentication provider contract.
type Provider interface {
	// Current returns the signed-in identity, or nil when signed out.
	// An error means the provider could not be consulted; callers must
	// fail safe to the signed-out state.
	Current() (*Identity, error)
	// OnChange registers a callback invoked with the new identity (nil
	// for sign-out) on every transition. Returns an unsubscribe func.
	OnChange(cb func(*Identity)) (unsubscribe func())
	// SignOut clears the current identity.
	SignOut() error
}
