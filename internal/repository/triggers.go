package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Table identifies one of the auth tables observable by triggers.
type Table string

// Observable tables. Only the auth tables can carry triggers — there is
// nothing else in this store.
const (
	TableUsers             Table = "users"
	TableAccounts          Table = "accounts"
	TableSessions          Table = "sessions"
	TableRefreshTokens     Table = "refresh_tokens"
	TableVerificationCodes Table = "verification_codes"
	TableVerifiers         Table = "verifiers"
	TableRateLimits        Table = "rate_limits"
)

// CreateHook observes a row insert. doc is the concrete model pointer
// (*db.User, *db.Account, ...) as written.
type CreateHook func(ctx context.Context, tx *Tx, doc any) error

// UpdateHook observes a row update with the new and previous versions.
type UpdateHook func(ctx context.Context, tx *Tx, newDoc, oldDoc any) error

// DeleteHook observes a row delete with the last committed version.
type DeleteHook func(ctx context.Context, tx *Tx, id uuid.UUID, doc any) error

// Triggers is a registry of per-table lifecycle hooks. Hooks run
// synchronously inside the same transaction as the write that produced
// them, so a hook error aborts the whole mutation.
//
// The Tx passed to a hook carries no trigger registry of its own: writes a
// hook performs do not fire further hooks, which makes reentrant trigger
// firing structurally impossible.
type Triggers struct {
	create map[Table][]CreateHook
	update map[Table][]UpdateHook
	delete map[Table][]DeleteHook
}

// NewTriggers returns an empty trigger registry.
func NewTriggers() *Triggers {
	return &Triggers{
		create: make(map[Table][]CreateHook),
		update: make(map[Table][]UpdateHook),
		delete: make(map[Table][]DeleteHook),
	}
}

// OnCreate registers a hook invoked after every insert into table.
func (t *Triggers) OnCreate(table Table, h CreateHook) {
	t.create[table] = append(t.create[table], h)
}

// OnUpdate registers a hook invoked after every update of a row in table.
func (t *Triggers) OnUpdate(table Table, h UpdateHook) {
	t.update[table] = append(t.update[table], h)
}

// OnDelete registers a hook invoked after every delete from table.
func (t *Triggers) OnDelete(table Table, h DeleteHook) {
	t.delete[table] = append(t.delete[table], h)
}

func (t *Triggers) fireCreate(ctx context.Context, tx *Tx, table Table, doc any) error {
	for _, h := range t.create[table] {
		if err := h(ctx, tx, doc); err != nil {
			return fmt.Errorf("trigger onCreate %s: %w", table, err)
		}
	}
	return nil
}

func (t *Triggers) fireUpdate(ctx context.Context, tx *Tx, table Table, newDoc, oldDoc any) error {
	for _, h := range t.update[table] {
		if err := h(ctx, tx, newDoc, oldDoc); err != nil {
			return fmt.Errorf("trigger onUpdate %s: %w", table, err)
		}
	}
	return nil
}

func (t *Triggers) fireDelete(ctx context.Context, tx *Tx, table Table, id uuid.UUID, doc any) error {
	for _, h := range t.delete[table] {
		if err := h(ctx, tx, id, doc); err != nil {
			return fmt.Errorf("trigger onDelete %s: %w", table, err)
		}
	}
	return nil
}
