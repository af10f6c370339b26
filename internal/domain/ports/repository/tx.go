package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

type Tx interface{}

var NoTX interface{}

// TransactionManager runs fn inside a storage transaction and passes the
// handle through tx.
//
// The concrete type of tx is infra-defined (pgx.Tx for Postgres, a staged
// write set for the in-memory store). Repositories must accept a nil tx and
// fall back to a non-transactional path.
//
// fn must be safe to run again: when the storage detects a lost update it
// returns domain.ErrConflict and the caller decides whether to retry.
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
