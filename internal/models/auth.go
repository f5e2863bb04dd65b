package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims represents the JWT payload delivered by the institution's auth gateway.
// SubjectID is set for student principals and links the token to a registered subject.
type JWTClaims struct {
	UserID    string   `json:"user_id"`
	Role      UserRole `json:"role"`
	SubjectID string   `json:"subject_id,omitempty"`
	jwt.RegisteredClaims
}

// Actor converts the claims into an audit actor reference.
func (c *JWTClaims) Actor() Actor {
	if c == nil {
		return SystemActor()
	}
	actorType := ActorTypeUser
	if c.Role == RoleStudent {
		actorType = ActorTypeSubject
	}
	id := c.UserID
	return Actor{Type: actorType, ID: &id}
}
