package repository

import (
	"database/sql"
	"time"
)

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullIntPtr はsql.NullInt64を*intに変換する。
func nullIntPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

// nullTimePtr はsql.NullTimeを*time.Timeに変換する。
func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// intPtrArg は*intをSQL引数に変換する。nilはNULLになる。
func intPtrArg(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
