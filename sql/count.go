package sql

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/Skyrin/go-schema/e"
)

const (
	// FieldPlaceHolder place holder within a select builder for the field list
	FieldPlaceHolder = "<FIELD_PLACE_HOLDER>"
	// FieldCount replacement field list when only the count is wanted
	FieldCount = "count(*) AS cnt"

	ECode020501 = e.Code0205 + "01"
	ECode020502 = e.Code0205 + "02"
)

// QueryCount gets the count from a select builder query.
// Would prefer being able to generate the same query with
// different fields, but that doesn't seem possible with
// the current library being used.
func (c *Connection) QueryCount(sb sq.SelectBuilder) (count int, err error) {
	// Get the count before applying an offset
	stmt, bindParams, err := sb.ToSql()
	if err != nil {
		return 0, e.W(err, ECode020501)
	}

	cntStmt := strings.Replace(stmt, FieldPlaceHolder, FieldCount, 1)
	row := c.QueryRow(cntStmt, bindParams...)
	if err := row.Scan(&count); err != nil {
		return 0, e.W(err, ECode020502,
			fmt.Sprintf("bindParams: %+v", bindParams))
	}

	return count, nil
}
