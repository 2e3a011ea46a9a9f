// Package leader decides which scheduler replica runs the control loops.
// Job-level correctness never depends on it; it keeps replicas from doing
// the same work twice and gives the deletion loop its single consumer.
package leader

import (
	"context"

	"github.com/google/uuid"
)

// Controller hands out leader tokens.
type Controller interface {
	// GetToken returns a Token that tells the caller whether it is leader.
	GetToken() Token
	// ValidateToken reports whether a previously obtained token is still the
	// current leader token.
	ValidateToken(tok Token) bool
	// Run blocks until ctx is cancelled.
	Run(ctx context.Context) error
}

// Token is obtained before a cycle and validated before acting on it.
type Token struct {
	leader bool
	id     uuid.UUID
}

// InvalidToken returns a Token indicating this instance is not leader.
func InvalidToken() Token {
	return Token{leader: false, id: uuid.New()}
}

// NewToken returns a Token indicating this instance is the leader.
func NewToken() Token {
	return Token{leader: true, id: uuid.New()}
}

// Standalone is always leader. Use it when only one scheduler runs.
type Standalone struct {
	token Token
}

func NewStandalone() *Standalone {
	return &Standalone{token: NewToken()}
}

func (s *Standalone) GetToken() Token { return s.token }

func (s *Standalone) ValidateToken(tok Token) bool {
	return tok.leader && s.token.id == tok.id
}

func (s *Standalone) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

var _ Controller = (*Standalone)(nil)
