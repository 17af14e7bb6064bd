package database

import (
	"context"
	"fmt"
)

// cycleLockKey 评估周期的 advisory lock 键, 所有进程共用
const cycleLockKey int64 = 0x50524144

// TryLock 尝试获取评估周期的会话级 advisory lock.
// 锁绑定在单独的连接上, release 解锁并归还连接; ok 为 false 表示其他进程正在执行周期.
func (p *Postgres) TryLock(ctx context.Context) (release func(), ok bool, err error) {
	sqlDB, err := p.db.DB()
	if err != nil {
		return nil, false, err
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock connection: %w", err)
	}

	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", cycleLockKey).Scan(&ok); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("try cycle lock: %w", err)
	}
	if !ok {
		conn.Close()
		return nil, false, nil
	}

	release = func() {
		if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", cycleLockKey); err != nil {
			p.log.WithError(err).Warn("failed to release cycle lock")
		}
		conn.Close()
	}
	return release, true, nil
}
