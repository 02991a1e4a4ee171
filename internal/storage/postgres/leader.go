package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// DefaultLeaderLockKey — ключ advisory lock для фоновых задач.
const DefaultLeaderLockKey = int64(20260302)

// AdvisoryLeader выбирает единственного исполнителя фоновых задач через
// pg_try_advisory_lock. Блокировка живёт, пока открыто выделенное соединение.
type AdvisoryLeader struct {
	db  *sql.DB
	key int64

	mu   sync.Mutex
	conn *sql.Conn
}

// NewAdvisoryLeader создаёт leader-election поверх advisory lock.
func NewAdvisoryLeader(store *Store, key int64) *AdvisoryLeader {
	if key == 0 {
		key = DefaultLeaderLockKey
	}
	return &AdvisoryLeader{db: store.DB(), key: key}
}

// IsLeader захватывает блокировку при первом вызове и проверяет, что соединение живо.
func (l *AdvisoryLeader) IsLeader(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ctx, cancel := opContext(ctx)
	defer cancel()

	if l.conn != nil {
		if err := l.conn.PingContext(ctx); err == nil {
			return true, nil
		}
		// Соединение потеряно: сервер уже снял блокировку.
		_ = l.conn.Close()
		l.conn = nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire leader connection: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		_ = conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release снимает блокировку и возвращает соединение в пул.
func (l *AdvisoryLeader) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, l.key)
	closeErr := l.conn.Close()
	l.conn = nil
	if err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}
	return closeErr
}
