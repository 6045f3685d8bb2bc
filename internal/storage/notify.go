package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Listen starts listening on the specified channel using the dedicated notify
// connection and records it so reconnectNotify can re-subscribe after a drop.
func (db *DB) Listen(ctx context.Context, channel string) error {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()

	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	_, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	if err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	db.listenChannels = append(db.listenChannels, channel)
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened
// channel. On a connection error it reconnects and re-subscribes, then
// returns an error without waiting again; the caller retries.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	db.notifyMu.Lock()
	conn := db.notifyConn
	db.notifyMu.Unlock()
	if conn == nil {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}

	notification, err := conn.WaitForNotification(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		db.notifyMu.Lock()
		rerr := db.reconnectNotify(ctx)
		db.notifyMu.Unlock()
		if rerr != nil {
			return "", "", fmt.Errorf("storage: wait for notification: %w", err)
		}
		return "", "", fmt.Errorf("storage: notify connection reset, retry")
	}
	return notification.Channel, notification.Payload, nil
}

// Notify sends a notification on the specified channel via the pooled connection.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	_, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}
