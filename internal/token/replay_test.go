package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
)

func TestRedisReplayGuardConsumeOnce(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	guard := NewRedisReplayGuard(rdb)

	key := "scan:nonce:shift-1:deadbeef"
	mock.ExpectSetNX(key, 1, time.Minute).SetVal(true)
	if err := guard.Consume(context.Background(), "shift-1", "deadbeef", time.Minute); err != nil {
		t.Fatalf("first consume: %v", err)
	}

	mock.ExpectSetNX(key, 1, time.Minute).SetVal(false)
	if err := guard.Consume(context.Background(), "shift-1", "deadbeef", time.Minute); !errors.Is(err, ErrReplayed) {
		t.Fatalf("expected ErrReplayed, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("redis expectations: %v", err)
	}
}

func TestRedisReplayGuardClampsExpiredTTL(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	guard := NewRedisReplayGuard(rdb)

	mock.ExpectSetNX("scan:nonce:shift-1:aa", 1, time.Second).SetVal(true)
	if err := guard.Consume(context.Background(), "shift-1", "aa", -5*time.Second); err != nil {
		t.Fatalf("consume with negative ttl: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("redis expectations: %v", err)
	}
}
