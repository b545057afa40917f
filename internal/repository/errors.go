// Package repository holds the MySQL data access for orders and seat prices.
// Sentinel errors defined here let higher layers tell failure kinds apart
// without looking at driver errors.
package repository

import (
	stderrors "errors"

	"github.com/go-sql-driver/mysql"
)

// ErrDuplicateOrder is returned when an order or order seat id is already
// taken.  With generated ids this means two processes share a worker
// assignment.
var ErrDuplicateOrder = stderrors.New("repository: duplicate order")

// ErrConflict is returned when an update finds the row in an unexpected
// state.
var ErrConflict = stderrors.New("repository: conflict")

const mysqlDuplicateEntry = 1062

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return stderrors.As(err, &me) && me.Number == mysqlDuplicateEntry
}
