// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package storage

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/hashicorp/go-hclog"
)

// DB combines a Backend with the generator used to allocate new handles.
type DB struct {
	backend Backend
	ids     *snowflake.Node
	logger  hclog.Logger
}

type DBOption = func(*DB)

func WithIdGenerator(node *snowflake.Node) DBOption {
	return func(db *DB) {
		db.ids = node
	}
}

func WithLogger(logger hclog.Logger) DBOption {
	return func(db *DB) {
		db.logger = logger
	}
}

func NewDB(backend Backend, options ...DBOption) *DB {
	db := &DB{
		backend: backend,
	}
	for _, option := range options {
		option(db)
	}
	if db.ids == nil {
		db.ids = CreateSnowflakeIdGenerator()
	}
	if db.logger == nil {
		db.logger = hclog.Default().Named("storage")
	}
	return db
}

// NextKey returns a fresh key for a new handle.
func (db *DB) NextKey() int64 {
	return db.ids.Generate().Int64()
}

func (db *DB) Begin(ctx context.Context, writable bool) (*Tx, error) {
	btx, err := db.backend.Begin(ctx, writable)
	if err != nil {
		return nil, storageErr("begin", err)
	}
	return &Tx{
		ctx:      ctx,
		db:       db,
		btx:      btx,
		writable: writable,
	}, nil
}

// Update runs fn in a writable transaction and commits it if fn succeeds.
func (db *DB) Update(ctx context.Context, fn func(tx *Tx) error) error {
	return db.withTransaction(ctx, true, fn)
}

// View runs fn in a read-only transaction.
func (db *DB) View(ctx context.Context, fn func(tx *Tx) error) error {
	return db.withTransaction(ctx, false, fn)
}

func (db *DB) withTransaction(ctx context.Context, writable bool, fn func(tx *Tx) error) error {
	tx, err := db.Begin(ctx, writable)
	if err != nil {
		return err
	}
	defer tx.Close()

	if err := fn(tx); err != nil {
		return err
	}
	if !writable {
		return nil
	}
	return tx.Commit()
}

func (db *DB) Close() error {
	return db.backend.Close()
}

// Close rolls tx back unless it was already committed or rolled back.
func (tx *Tx) Close() {
	if err := tx.Rollback(); err != nil && !errors.Is(err, ErrTransactionClosed) {
		tx.db.logger.Warn("failed to roll back transaction", "err", err)
	}
}
