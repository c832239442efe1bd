package storage

import (
	"context"
)

// Tx is a unit of work against a DB. A Tx is not safe for concurrent use.
//
// Commit and Rollback each close the transaction. Commit handlers run after a successful commit,
// rollback handlers run exactly once when the transaction is rolled back, including a rollback
// caused by a failed commit. Handlers run in reverse registration order.
type Tx struct {
	ctx      context.Context
	db       *DB
	btx      BackendTx
	writable bool
	closed   bool

	commitHandlers   []func()
	rollbackHandlers []func()
	values           map[any]any
}

func (tx *Tx) Context() context.Context {
	return tx.ctx
}

func (tx *Tx) DB() *DB {
	return tx.db
}

func (tx *Tx) Writable() bool {
	return tx.writable
}

func (tx *Tx) Closed() bool {
	return tx.closed
}

func (tx *Tx) AddCommitHandler(fn func()) {
	tx.commitHandlers = append(tx.commitHandlers, fn)
}

func (tx *Tx) AddRollbackHandler(fn func()) {
	tx.rollbackHandlers = append(tx.rollbackHandlers, fn)
}

// Value returns transaction scoped data stored with SetValue.
func (tx *Tx) Value(key any) any {
	return tx.values[key]
}

func (tx *Tx) SetValue(key, value any) {
	if tx.values == nil {
		tx.values = map[any]any{}
	}
	tx.values[key] = value
}

func (tx *Tx) Commit() error {
	if tx.closed {
		return ErrTransactionClosed
	}
	tx.closed = true
	if !tx.writable {
		err := tx.btx.Rollback()
		runHandlers(tx.commitHandlers)
		return storageErr("commit", err)
	}
	if err := tx.btx.Commit(); err != nil {
		tx.db.logger.Error("commit failed, transaction rolled back", "err", err)
		runHandlers(tx.rollbackHandlers)
		return storageErr("commit", err)
	}
	runHandlers(tx.commitHandlers)
	return nil
}

func (tx *Tx) Rollback() error {
	if tx.closed {
		return ErrTransactionClosed
	}
	tx.closed = true
	err := tx.btx.Rollback()
	runHandlers(tx.rollbackHandlers)
	return storageErr("rollback", err)
}

func (tx *Tx) backendTx(write bool) (BackendTx, error) {
	if tx.closed {
		return nil, ErrTransactionClosed
	}
	if write && !tx.writable {
		return nil, ErrReadOnly
	}
	return tx.btx, nil
}

func runHandlers(handlers []func()) {
	for i := len(handlers) - 1; i >= 0; i-- {
		handlers[i]()
	}
}
