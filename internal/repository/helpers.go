package repository

import (
	"database/sql"
	"errors"
)

// HandleNotFound turns sql.ErrNoRows into a nil record with no error, so
// Find* callers only branch on real failures.
//
//	var rec model.PairingRecord
//	err := r.db.GetContext(ctx, &rec, query, args...)
//	return HandleNotFound(&rec, err)
func HandleNotFound[T any](result *T, err error) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// affectedOne reports whether a conditional UPDATE matched exactly one row.
// A zero count means the row was not in the expected state.
func affectedOne(result sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
