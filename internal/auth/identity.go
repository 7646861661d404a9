package auth

import (
	"context"
	"strings"
)

// Identity is the actor behind a request. Reads accept anonymous identities;
// writes require Authenticated.
type Identity struct {
	UserID        string `json:"userId"`
	Name          string `json:"name,omitempty"`
	Authenticated bool   `json:"authenticated"`
}

var Anonymous = Identity{}

func User(userID string) Identity {
	return Identity{UserID: userID, Authenticated: strings.TrimSpace(userID) != ""}
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Identify resolves a bearer token. An empty token is anonymous; a bad one is
// an error so callers can reject it rather than silently downgrade.
func (v *Verifier) Identify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Anonymous, nil
	}
	claims, err := ParseToken(v.secret, token)
	if err != nil {
		return Anonymous, err
	}
	return Identity{UserID: claims.Subject, Name: claims.Name, Authenticated: true}, nil
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func FromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id
}
