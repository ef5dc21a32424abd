package domain

import "github.com/google/uuid"

// Token is an opaque session credential handed out on login.
type Token string

// NewToken generates a fresh random (uuid v4, 122 random bits) token.
func NewToken() Token {
	return Token(uuid.NewString())
}

func (t Token) String() string { return string(t) }

// Username identifies the account a token belongs to.
type Username string

// Credentials is the JSON body accepted by the login endpoint.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
