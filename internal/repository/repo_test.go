package repository

import (
	"database/sql"
	"errors"
	"testing"
	"time"
)

// 各PostgreSQLリポジトリがインターフェースを満たすことを検証
func TestPostgresRepos_ImplementInterfaces(t *testing.T) {
	var _ SubscriberRepository = (*PostgresSubscriberRepo)(nil)
	var _ SubscriptionRepository = (*PostgresSubscriptionRepo)(nil)
	var _ BlogRepository = (*PostgresBlogRepo)(nil)
	var _ FeedRepository = (*PostgresFeedRepo)(nil)
	var _ PostRepository = (*PostgresPostRepo)(nil)
	var _ DeliveryRepository = (*PostgresDeliveryRepo)(nil)
	var _ EmailLogRepository = (*PostgresEmailLogRepo)(nil)
	var _ BlogRequestRepository = (*PostgresBlogRequestRepo)(nil)
}

// コンストラクタがnilでないリポジトリを返すことを検証
func TestNewPostgresRepos_Initialize(t *testing.T) {
	if NewPostgresSubscriberRepo(nil) == nil {
		t.Error("NewPostgresSubscriberRepo returned nil")
	}
	if NewPostgresSubscriptionRepo(nil) == nil {
		t.Error("NewPostgresSubscriptionRepo returned nil")
	}
	if NewPostgresBlogRepo(nil) == nil {
		t.Error("NewPostgresBlogRepo returned nil")
	}
	if NewPostgresFeedRepo(nil) == nil {
		t.Error("NewPostgresFeedRepo returned nil")
	}
	if NewPostgresPostRepo(nil) == nil {
		t.Error("NewPostgresPostRepo returned nil")
	}
	if NewPostgresDeliveryRepo(nil) == nil {
		t.Error("NewPostgresDeliveryRepo returned nil")
	}
	if NewPostgresEmailLogRepo(nil) == nil {
		t.Error("NewPostgresEmailLogRepo returned nil")
	}
	if NewPostgresBlogRequestRepo(nil) == nil {
		t.Error("NewPostgresBlogRequestRepo returned nil")
	}
}

func TestInsertStatus_String(t *testing.T) {
	if Inserted.String() != "inserted" {
		t.Errorf("Inserted.String() = %q", Inserted.String())
	}
	if AlreadyExists.String() != "already_exists" {
		t.Errorf("AlreadyExists.String() = %q", AlreadyExists.String())
	}
	if InsertStatus(0).String() != "unknown" {
		t.Errorf("zero value String() = %q", InsertStatus(0).String())
	}
}

type fakeResult struct {
	affected int64
	err      error
}

func (f fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (f fakeResult) RowsAffected() (int64, error) { return f.affected, f.err }

// 更新件数0件はErrNotFoundとして判定できることを検証
func TestCheckAffected(t *testing.T) {
	if err := checkAffected(fakeResult{affected: 1}, "sub-1"); err != nil {
		t.Errorf("expected nil, got %v", err)
	}

	err := checkAffected(fakeResult{affected: 0}, "sub-1")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	boom := errors.New("driver error")
	err = checkAffected(fakeResult{err: boom}, "sub-1")
	if !errors.Is(err, boom) || errors.Is(err, ErrNotFound) {
		t.Errorf("expected wrapped driver error, got %v", err)
	}
}

func TestNullHelpers(t *testing.T) {
	if nullString("").Valid {
		t.Error("nullString(\"\") should be invalid")
	}
	if got := nullStringValue(sql.NullString{String: "x", Valid: true}); got != "x" {
		t.Errorf("nullStringValue = %q", got)
	}
	if nullIntPtr(sql.NullInt64{}) != nil {
		t.Error("nullIntPtr of invalid should be nil")
	}
	if p := nullIntPtr(sql.NullInt64{Int64: 3, Valid: true}); p == nil || *p != 3 {
		t.Errorf("nullIntPtr = %v", p)
	}
	now := time.Now()
	if p := nullTimePtr(sql.NullTime{Time: now, Valid: true}); p == nil || !p.Equal(now) {
		t.Errorf("nullTimePtr = %v", p)
	}
	if intPtrArg(nil) != nil {
		t.Error("intPtrArg(nil) should be nil")
	}
	v := 2
	if intPtrArg(&v) != 2 {
		t.Errorf("intPtrArg(&2) = %v", intPtrArg(&v))
	}
}
