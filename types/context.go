package types

import "context"

// Actor is the authenticated identity attached to a request.
type Actor struct {
	Kind ActorKind
	ID   string
}

type actorKey struct{}

// WithActor attaches the authenticated actor to the context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext extracts the actor from the context. The zero Actor is
// returned when no authentication middleware ran (system traffic).
func ActorFromContext(ctx context.Context) Actor {
	if a, ok := ctx.Value(actorKey{}).(Actor); ok {
		return a
	}
	return Actor{Kind: ActorSystem}
}

// User is a management-console account. Account lifecycle is handled by the
// management subsystem; the load balancer core only reads identities.
type User struct {
	ID           string  `json:"id" gorm:"primaryKey;size:36"`
	Email        string  `json:"email" gorm:"uniqueIndex;size:255"`
	PasswordHash string  `json:"-" gorm:"size:255"`
	Role         string  `json:"role" gorm:"size:32;default:viewer"`
	CreatedAt    int64   `json:"created_at" gorm:"autoCreateTime"`
	LastLoginAt  *int64  `json:"last_login_at,omitempty"`
	InvitedBy    *string `json:"invited_by,omitempty" gorm:"size:36"`
}

// TableName implements the gorm table naming convention.
func (User) TableName() string { return "users" }

// APIKey is a client credential for the OpenAI-protocol routes. Only the
// SHA-256 of the key material is stored; the prefix is kept for listing.
type APIKey struct {
	ID         string `json:"id" gorm:"primaryKey;size:36"`
	Name       string `json:"name" gorm:"size:255"`
	KeyHash    string `json:"-" gorm:"uniqueIndex;size:64"`
	KeyPrefix  string `json:"key_prefix" gorm:"size:16"`
	UserID     string `json:"user_id" gorm:"size:36;index"`
	Disabled   bool   `json:"disabled"`
	CreatedAt  int64  `json:"created_at" gorm:"autoCreateTime"`
	LastUsedAt *int64 `json:"last_used_at,omitempty"`
}

// TableName implements the gorm table naming convention.
func (APIKey) TableName() string { return "api_keys" }
