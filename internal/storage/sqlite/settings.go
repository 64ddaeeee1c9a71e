package sqlite

import (
	"context"

	"github.com/localmcp/gateway/internal/domain"
)

// settingsRepo implements domain.SettingsRepository.
type settingsRepo struct{ db *DB }

func (d *DB) Settings() domain.SettingsRepository { return settingsRepo{db: d} }

func (r settingsRepo) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.db.GetContext(ctx, &value, `SELECT value FROM settings WHERE key = ?`, key)
	if err != nil {
		if rowNotFound(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (r settingsRepo) Set(ctx context.Context, key, value string) error {
	_, err := r.db.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}
