package sql

import (
	"database/sql"
	"fmt"

	"github.com/Skyrin/go-schema/e"
)

const (
	ECode020401 = e.Code0204 + "01"
	ECode020402 = e.Code0204 + "02"
	ECode020403 = e.Code0204 + "03"
	ECode020404 = e.Code0204 + "04"
	ECode020405 = e.Code0204 + "05"
	ECode020406 = e.Code0204 + "06"
)

// Txn wrapper of the *sql.Tx
type Txn struct {
	txn *sql.Tx
	// TODO: support nested transactions
}

// RollbackIfInTxn same as Rollback, except if it is not in a txn, it will not
// return an error
func (t *Txn) RollbackIfInTxn() {
	if t.txn == nil {
		return
	}

	_ = t.Rollback()
}

// Rollback attempts to roll back the txn
func (t *Txn) Rollback() (err error) {
	if t.txn == nil {
		return e.W(err, ECode020401)
	}

	if err := t.txn.Rollback(); err != nil {
		return e.W(err, ECode020402)
	}

	t.txn = nil

	return nil
}

// Commit attempts to commit the txn
func (t *Txn) Commit() (err error) {
	if t.txn == nil {
		return e.W(err, ECode020403)
	}

	if err = t.txn.Commit(); err != nil {
		return e.W(err, ECode020404)
	}

	t.txn = nil

	return nil
}

// Exec executes the query in the txn
func (t *Txn) Exec(query string, args ...interface{}) (res sql.Result, err error) {
	res, err = t.txn.Exec(query, args...)
	if err != nil {
		// Not logging args because it may contain sensitive information. The
		// caller can log them if needed
		return nil, e.W(err, ECode020405, fmt.Sprintf("query: %s\n", query))
	}

	return res, nil
}

// Query runs the query in the txn
func (t *Txn) Query(query string, args ...interface{}) (rows *Rows, err error) {
	sqlRows, err := t.txn.Query(query, args...)
	if err != nil {
		// Not logging args because it may contain sensitive information. The
		// caller can log them if needed
		return nil, e.W(err, ECode020406, fmt.Sprintf("query: %s\n", query))
	}

	return &Rows{
		rows:  sqlRows,
		query: query,
	}, nil
}

// QueryRow runs the query in the txn, returning the single row
func (t *Txn) QueryRow(query string, args ...interface{}) (row *Row) {
	return &Row{
		row:   t.txn.QueryRow(query, args...),
		query: query,
	}
}
