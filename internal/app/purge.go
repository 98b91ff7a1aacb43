package app

import (
	"context"
	"errors"
	"time"
)

// Purge 删除超过保留窗口的快照与告警历史。
func (a *App) Purge(ctx context.Context, opts PurgeOptions) error {
	if opts.OlderThan <= 0 {
		return errors.New("保留窗口必须大于零，请检查 --older-than")
	}
	cutoff := time.Now().UTC().Add(-opts.OlderThan)

	if opts.DryRun {
		a.Logger.Warn().Time("cutoff", cutoff).Msg("purge dry-run：不会删除任何数据")
		return nil
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法清理")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if err := store.DeleteSnapshotsBefore(ctx, cutoff); err != nil {
		return err
	}
	if err := store.DeleteAlertEventsBefore(ctx, cutoff); err != nil {
		return err
	}

	a.Logger.Info().Time("cutoff", cutoff).Msg("历史数据清理完成")
	return nil
}
