// Package db provides the storage-layer primitives shared by the
// account, token store, and revocation packages: a thin borp.DbMap
// wrapper plus the interfaces that let callers accept either the map
// or an open transaction.
package db

import (
	"database/sql"

	"github.com/letsencrypt/borp"
)

// By convention, any function that takes a OneSelector, Selector,
// Inserter, Execer, or SelectExecer as an argument expects that a
// context has already been applied to the relevant DbMap or
// Transaction object.

// OneSelector is anything that provides a SelectOne function.
type OneSelector interface {
	SelectOne(interface{}, string, ...interface{}) error
}

// Selector is anything that provides a Select function.
type Selector interface {
	Select(interface{}, string, ...interface{}) ([]interface{}, error)
}

// Inserter is anything that provides an Insert function.
type Inserter interface {
	Insert(list ...interface{}) error
}

// Execer is anything that provides an Exec function.
type Execer interface {
	Exec(string, ...interface{}) (sql.Result, error)
}

// SelectExecer offers a subset of borp.SqlExecutor's methods: Select
// and Exec.
type SelectExecer interface {
	Selector
	Execer
}

// DatabaseMap offers the full combination of OneSelector, Inserter,
// SelectExecer, and a Begin function for creating a Transaction.
type DatabaseMap interface {
	OneSelector
	Inserter
	SelectExecer
	Begin() (*borp.Transaction, error)
}

// Transaction offers the combination of OneSelector, Inserter,
// SelectExecer as well as Delete, Get, and Update.
type Transaction interface {
	OneSelector
	Inserter
	SelectExecer
	Delete(...interface{}) (int64, error)
	Get(interface{}, ...interface{}) (interface{}, error)
	Update(...interface{}) (int64, error)
	Commit() error
	Rollback() error
}
