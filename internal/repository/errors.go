package repository

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for this error
// explicitly using errors.Is to distinguish missing records from other
// database errors.
//
//	account, err := tx.Accounts.GetByID(ctx, id)
//	if errors.Is(err, repository.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert violates a unique constraint, for
// example when creating an account with a (provider, providerAccountId)
// pair that already exists.
var ErrConflict = errors.New("record already exists")
