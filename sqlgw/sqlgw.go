// Package sqlgw wraps the database connection pool with a typed
// transaction scope that commits or rolls back on exit. It does not
// interpret domain — that's the State Store's job.
package sqlgw

import (
	"context"
	"errors"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

type Gateway struct {
	DB *gorm.DB
}

func New(db *gorm.DB) *Gateway {
	return &Gateway{DB: db}
}

// WithTx runs fn inside a transaction scoped to ctx, committing on a
// nil return and rolling back otherwise.
func (g *Gateway) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return g.DB.WithContext(ctx).Transaction(fn)
}

// IsDuplicateKey reports whether err is a MySQL primary/unique-key
// violation (error 1062). This is the sole mechanism the Ledger and
// the secondary-insert-on-duplicate paths use for idempotency.
func IsDuplicateKey(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
