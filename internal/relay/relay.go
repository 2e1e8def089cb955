// Package relay gates inserts of chat sessions and chat messages on the
// caller's status flags before forwarding them to the store.
package relay

import (
	"context"
	"errors"
	"fmt"

	"caseguard/api/internal/session"
	"caseguard/api/internal/store"
)

var (
	ErrAuthRequired = errors.New("authentication required")
	ErrDenied       = errors.New("write denied")

	ErrMessagingBlocked    = fmt.Errorf("%w: account is blocked from messaging", ErrDenied)
	ErrCaseCreationBlocked = fmt.Errorf("%w: account is blocked from creating cases", ErrDenied)
)

// Inserter is the generic insert capability shared by the store and the gate.
type Inserter interface {
	Insert(ctx context.Context, kind store.Kind, row store.Row) (store.Row, error)
}

// IdentityResolver yields the calling identity; ok=false means anonymous.
type IdentityResolver interface {
	Current(ctx context.Context) (session.Identity, bool, error)
}

type StatusLookup interface {
	GetUserStatus(ctx context.Context, userID string) (store.UserStatus, error)
}

// Gate decorates an Inserter. Callers hold a Gate in place of the raw store.
type Gate struct {
	next     Inserter
	sessions IdentityResolver
	statuses StatusLookup
}

func NewGate(next Inserter, sessions IdentityResolver, statuses StatusLookup) *Gate {
	return &Gate{next: next, sessions: sessions, statuses: statuses}
}

// Gated reports whether inserts of kind are checked against the caller's status.
func Gated(kind store.Kind) bool {
	return kind == store.KindChatSessions || kind == store.KindChatMessages
}

// Insert forwards row to the wrapped inserter. For gated kinds the caller's
// status is read first and the write is refused when the matching flag is
// set. The read and the write are separate round trips; an admin block that
// lands between them is not observed by this call.
func (g *Gate) Insert(ctx context.Context, kind store.Kind, row store.Row) (store.Row, error) {
	if !Gated(kind) {
		return g.next.Insert(ctx, kind, row)
	}

	identity, ok, err := g.sessions.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	if !ok {
		return nil, ErrAuthRequired
	}

	status, err := g.lookup(ctx, identity.UserID)
	if err != nil {
		return nil, err
	}

	switch {
	case kind == store.KindChatMessages && status.MessagingBlocked:
		return nil, ErrMessagingBlocked
	case kind == store.KindChatSessions && status.CaseCreationBlocked:
		return nil, ErrCaseCreationBlocked
	}

	return g.next.Insert(store.WithActor(ctx, identity.UserID), kind, row)
}

func (g *Gate) lookup(ctx context.Context, userID string) (store.UserStatus, error) {
	status, err := g.statuses.GetUserStatus(ctx, userID)
	if store.IsNotFound(err) {
		return store.DefaultUserStatus(userID), nil
	}
	if err != nil {
		return store.UserStatus{}, fmt.Errorf("load user status: %w", err)
	}
	return status, nil
}
