// Package unique enforces that at most one live row holds a given value of
// a constrained attribute.
//
// A claim is a row of the unique table keyed by a hash of the value. The
// store's create-if-absent is the only linearization point: the first
// creator of the claim row owns the value, every other creator observes
// store.ErrAlreadyExists.
package unique

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/jacentio/rowsaga/internal/shard"
	"github.com/jacentio/rowsaga/saga"
	"github.com/jacentio/rowsaga/store"
)

// ClaimRow is the row key shared by all claim rows.
const ClaimRow = "CONSTRAINT"

// Claim row properties.
const (
	AttrAttribute   = "attribute"
	AttrScope       = "scope"
	AttrFieldValue  = "field_value"
	AttrScopeValues = "scope_values"
	AttrOwnerTable  = "owner_table"
	AttrOwnerPK     = "owner_pk"
	AttrOwnerRK     = "owner_rk"
)

var (
	// ErrViolation is returned when a value is already claimed by another row.
	ErrViolation = errors.New("rowsaga: uniqueness violation")

	errNotOwner = errors.New("claim held by another owner")
)

// IgnorePolicy decides which values are exempt from uniqueness.
type IgnorePolicy int

const (
	// IgnoreNone claims every value, including empty ones.
	IgnoreNone IgnorePolicy = iota
	// IgnoreEmpty skips values where any component is empty.
	IgnoreEmpty
	// IgnoreZero also skips the textual zero values "0", "false" and the zero time.
	IgnoreZero
)

// Ignorable reports whether values are exempt under p.
func (p IgnorePolicy) Ignorable(values []string) bool {
	if p == IgnoreNone {
		return false
	}
	if len(values) == 0 {
		return true
	}
	for _, v := range values {
		if v == "" {
			return true
		}
		if p == IgnoreZero && (v == "0" || v == "false" || v == "0001-01-01T00:00:00Z") {
			return true
		}
	}
	return false
}

// Constraint identifies one claimable value.
type Constraint struct {
	// Attribute names the constrained attribute, e.g. "user.email".
	Attribute string
	// Scope names the uniqueness scope. Values are unique per scope.
	Scope       string
	Values      []string
	ScopeValues []string
	Ignore      IgnorePolicy
}

// Hash returns the claim hash of the constraint.
func (c Constraint) Hash() string {
	parts := make([]string, 0, 1+len(c.Values)+len(c.ScopeValues))
	parts = append(parts, strconv.Itoa(len(c.Values)))
	parts = append(parts, c.Values...)
	parts = append(parts, c.ScopeValues...)
	return shard.ClaimKey(c.Attribute, c.Scope, parts...)
}

// Ignorable reports whether the constraint produces no claim.
func (c Constraint) Ignorable() bool {
	return c.Ignore.Ignorable(c.Values)
}

func (c Constraint) String() string {
	return fmt.Sprintf("%s=%s", c.Attribute, strings.Join(c.Values, ","))
}

// Enforcer claims and releases unique values.
type Enforcer struct {
	rows     store.RowStore
	config   store.Config
	logger   *zap.Logger
	sagaOpts []saga.Option
}

// NewEnforcer creates an Enforcer over the unique table of config. opts
// are applied to the sagas the Enforcer runs itself, after the logger.
func NewEnforcer(rows store.RowStore, config store.Config, logger *zap.Logger, opts ...saga.Option) *Enforcer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enforcer{
		rows:     rows,
		config:   config.Normalize(),
		logger:   logger,
		sagaOpts: append([]saga.Option{saga.WithLogger(logger)}, opts...),
	}
}

// KeyOf returns the key of the claim row for hash.
func (e *Enforcer) KeyOf(hash string) store.Key {
	return store.Key{Table: e.config.UniqueTable, Partition: hash, Row: ClaimRow}
}

// Claim creates the claim row of c for owner. A claim already held by
// owner is Unchanged; one held by anybody else fails with ErrViolation,
// which also matches store.ErrAlreadyExists.
func (e *Enforcer) Claim(ctx context.Context, c Constraint, owner store.Key) saga.Effect {
	if c.Ignorable() {
		return saga.Noop()
	}
	key := e.KeyOf(c.Hash())
	props := claimProps(c, owner)

	var held bool
	err := retry.Do(ctx, store.RetryBackoff(e.config.ConflictRetries), func(ctx context.Context) error {
		_, err := e.rows.Create(ctx, key, props)
		if !errors.Is(err, store.ErrAlreadyExists) {
			return err
		}

		current, ferr := e.rows.FindByID(ctx, key)
		switch {
		case errors.Is(ferr, store.ErrNotFound):
			// released between our create and read
			return retry.RetryableError(ferr)
		case ferr != nil:
			return ferr
		case OwnerOf(current) == owner:
			held = true
			return nil
		default:
			return fmt.Errorf("%w: %s: %w", ErrViolation, c, store.ErrAlreadyExists)
		}
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = fmt.Errorf("%w: %s: %w", ErrViolation, c, store.ErrAlreadyExists)
		}
		e.logger.Debug("claim rejected", zap.String("constraint", c.String()), zap.Error(err))
		return saga.Failure(err)
	}
	if held {
		return saga.Noop()
	}

	return saga.Done(func(ctx context.Context) error {
		return e.deleteOwned(ctx, key, owner)
	})
}

// Release deletes the claim of c if owner holds it.
func (e *Enforcer) Release(ctx context.Context, c Constraint, owner store.Key) saga.Effect {
	if c.Ignorable() {
		return saga.Noop()
	}
	return e.ReleaseHash(ctx, c.Hash(), owner)
}

// ReleaseHash deletes the claim row for hash if owner holds it. The undo
// re-creates the claim.
func (e *Enforcer) ReleaseHash(ctx context.Context, hash string, owner store.Key) saga.Effect {
	key := e.KeyOf(hash)
	deleted, err := e.rows.DeleteIf(ctx, key, ownedBy(owner))
	switch {
	case errors.Is(err, store.ErrNotFound):
		return saga.Noop()
	case errors.Is(err, errNotOwner):
		e.logger.Warn("claim not released, held by another owner",
			zap.String("hash", hash),
			zap.Stringer("owner", owner),
		)
		return saga.Noop()
	case err != nil:
		return saga.Failure(err)
	}

	return saga.Done(func(ctx context.Context) error {
		_, err := e.rows.Create(ctx, key, deleted.Props)
		if errors.Is(err, store.ErrAlreadyExists) {
			current, ferr := e.rows.FindByID(ctx, key)
			if ferr == nil && OwnerOf(current) == owner {
				return nil
			}
			return fmt.Errorf("claim %s was taken while released: %w", hash, err)
		}
		return err
	})
}

// Change moves owner's claim from old to next. next is claimed first so a
// violation leaves old untouched.
func (e *Enforcer) Change(ctx context.Context, old, next Constraint, owner store.Key) saga.Effect {
	if old.Ignorable() == next.Ignorable() && (old.Ignorable() || old.Hash() == next.Hash()) {
		return saga.Noop()
	}

	s := saga.New[struct{}]("unique-change", e.sagaOpts...)
	s.AddEffect("claim", func(ctx context.Context, _ struct{}) saga.Effect {
		return e.Claim(ctx, next, owner)
	})
	s.AddEffect("release", func(ctx context.Context, _ struct{}) saga.Effect {
		return e.Release(ctx, old, owner)
	})
	return s.Effect(ctx, struct{}{})
}

// Owner returns the key of the row holding c.
func (e *Enforcer) Owner(ctx context.Context, c Constraint) (store.Key, error) {
	return e.OwnerOfHash(ctx, c.Hash())
}

// OwnerOfHash returns the key of the row holding the claim for hash.
func (e *Enforcer) OwnerOfHash(ctx context.Context, hash string) (store.Key, error) {
	row, err := e.rows.FindByID(ctx, e.KeyOf(hash))
	if err != nil {
		return store.Key{}, err
	}
	return OwnerOf(row), nil
}

func (e *Enforcer) deleteOwned(ctx context.Context, key store.Key, owner store.Key) error {
	_, err := e.rows.DeleteIf(ctx, key, ownedBy(owner))
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, errNotOwner) {
		return nil
	}
	return err
}

// OwnerOf returns the owner recorded on a claim row.
func OwnerOf(row store.Row) store.Key {
	return store.Key{
		Table:     row.Props.String(AttrOwnerTable),
		Partition: row.Props.String(AttrOwnerPK),
		Row:       row.Props.String(AttrOwnerRK),
	}
}

func ownedBy(owner store.Key) store.ConfirmFunc {
	return func(row store.Row) error {
		if OwnerOf(row) != owner {
			return errNotOwner
		}
		return nil
	}
}

func claimProps(c Constraint, owner store.Key) store.Props {
	return store.Props{
		AttrAttribute:   c.Attribute,
		AttrScope:       c.Scope,
		AttrFieldValue:  strings.Join(c.Values, ","),
		AttrScopeValues: strings.Join(c.ScopeValues, ","),
		AttrOwnerTable:  owner.Table,
		AttrOwnerPK:     owner.Partition,
		AttrOwnerRK:     owner.Row,
	}
}
