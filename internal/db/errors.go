package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/surrealdb/surrealdb.go"
)

// Sentinel errors for database operations.
var (
	// ErrTransactionConflict indicates concurrent writers touched the same record.
	// The write can be retried.
	ErrTransactionConflict = errors.New("transaction conflict")

	// ErrNotFound indicates the requested report does not exist.
	ErrNotFound = errors.New("report not found")
)

// wrapQueryError maps known SurrealDB query errors onto the sentinels above.
// Other errors are returned unchanged.
func wrapQueryError(err error) error {
	if err == nil {
		return nil
	}

	var queryErr *surrealdb.QueryError
	if errors.As(err, &queryErr) && strings.Contains(queryErr.Message, "Transaction conflict") {
		return fmt.Errorf("%w: %s", ErrTransactionConflict, queryErr.Message)
	}
	return err
}
