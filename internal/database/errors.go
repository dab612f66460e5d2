package database

import (
	"errors"

	"github.com/lib/pq"
)

// uniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const uniqueViolation = "23505"

// IsUniqueViolation はerrが一意制約違反を表すかを返す。
// ラップされたエラーも判定できる。
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}
