package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
)

// TestIsUniqueViolation はSQLSTATE 23505のみを一意制約違反と判定することを検証する。
func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unique violation", &pq.Error{Code: "23505"}, true},
		{"wrapped unique violation", fmt.Errorf("購読の作成に失敗しました: %w", &pq.Error{Code: "23505"}), true},
		{"foreign key violation", &pq.Error{Code: "23503"}, false},
		{"plain error", errors.New("connection refused"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUniqueViolation(tt.err); got != tt.want {
				t.Errorf("IsUniqueViolation() = %v, want %v", got, tt.want)
			}
		})
	}
}
