package storage

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/atana/registration-migrator/internal/apperrors"
)

// Stage names the step of a registration write that failed
type Stage string

const (
	StageValidate     Stage = "validate"
	StageBegin        Stage = "begin"
	StageLearner      Stage = "learner"
	StageRegistration Stage = "registration"
	StageCommit       Stage = "commit"
)

// WriteError reports which registration failed and at which stage
type WriteError struct {
	RegistrationID string
	Stage          Stage
	Err            error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("registration %s: %s: %v", e.RegistrationID, e.Stage, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// MySQL error numbers treated as integrity violations
var mysqlConstraintErrors = map[uint16]bool{
	1048: true, // column cannot be null
	1062: true, // duplicate entry
	1216: true, // child row: foreign key fails
	1217: true, // parent row: foreign key fails
	1451: true, // cannot delete or update a parent row
	1452: true, // cannot add or update a child row
	3819: true, // check constraint violated
}

// classify maps driver errors onto the write-side taxonomy. Errors that fit
// neither category are returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case isConstraintViolation(err):
		return fmt.Errorf("%w: %w", apperrors.ErrWriteConflict, err)
	case isConnectionLost(err):
		return fmt.Errorf("%w: %w", apperrors.ErrConnectionLost, err)
	default:
		return err
	}
}

func isConstraintViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "23"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return mysqlConstraintErrors[myErr.Number]
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

// errDBClosed is the text of database/sql's unexported closed-pool error
const errDBClosed = "sql: database is closed"

func isConnectionLost(err error) bool {
	if strings.Contains(err.Error(), errDBClosed) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "08"
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
