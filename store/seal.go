package store

import "fmt"

// Sealer protects credential fields at rest. *crypto.Sealer implements it;
// a nil Sealer stores values as given.
type Sealer interface {
	Seal(v string) (string, error)
	Open(v string) (string, error)
}

// SealToken returns t with its access and refresh values sealed.
func SealToken(s Sealer, t Token) (Token, error) {
	if s == nil {
		return t, nil
	}
	var err error
	if t.Token, err = s.Seal(t.Token); err != nil {
		return Token{}, fmt.Errorf("seal access token for %s: %w", t.UserID, err)
	}
	if t.Refresh, err = s.Seal(t.Refresh); err != nil {
		return Token{}, fmt.Errorf("seal refresh token for %s: %w", t.UserID, err)
	}
	return t, nil
}

// OpenToken reverses SealToken. Plaintext values pass through unchanged.
func OpenToken(s Sealer, t Token) (Token, error) {
	if s == nil {
		return t, nil
	}
	var err error
	if t.Token, err = s.Open(t.Token); err != nil {
		return Token{}, fmt.Errorf("open access token for %s: %w", t.UserID, err)
	}
	if t.Refresh, err = s.Open(t.Refresh); err != nil {
		return Token{}, fmt.Errorf("open refresh token for %s: %w", t.UserID, err)
	}
	return t, nil
}
