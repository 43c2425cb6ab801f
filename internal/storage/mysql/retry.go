package mysql

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// MySQL error numbers that indicate a serialization conflict worth
// retrying inside RunInTransaction.
const (
	errLockDeadlock    = 1213
	errLockWaitTimeout = 1205
)

// isSerializationError reports whether err is a deadlock or lock-wait
// timeout. These resolve on retry once the competing transaction commits.
func isSerializationError(err error) bool {
	if err == nil {
		return false
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == errLockDeadlock || me.Number == errLockWaitTimeout
	}
	// Some proxies flatten driver errors into strings.
	msg := err.Error()
	return strings.Contains(msg, "Error 1213") || strings.Contains(msg, "Error 1205") ||
		strings.Contains(msg, "Deadlock found")
}

// isRetryableError reports whether err is a connection-level failure that a
// fresh attempt on another pooled connection may clear. Logical SQL errors
// (syntax, missing table, constraint violations) are never retryable.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"connection reset",
		"i/o timeout",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// isDuplicateKeyError reports whether err is a unique-constraint violation
// (MySQL 1062).
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1062
	}
	return strings.Contains(err.Error(), "Error 1062") ||
		strings.Contains(err.Error(), "Duplicate entry")
}
