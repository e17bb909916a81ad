package store

import (
	"context"
	"fmt"

	"github.com/roach88/trustagent/internal/model"
	"github.com/roach88/trustagent/internal/storage"
)

// StartUpdates opens an update transaction covering every change made to
// app so far. Earlier tokens of app become stale.
func (s *Store) StartUpdates(ctx context.Context, app model.Application) (storage.UpdateID, error) {
	var id storage.UpdateID
	err := s.withTx(ctx, "start updates", func(sc *txScope) error {
		if _, err := loadManaged(ctx, sc.tx, app.KeyInfo); err != nil {
			return err
		}
		var err error
		id, err = sc.openUpdate(app.KeyInfo)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (sc *txScope) openUpdate(key model.KeyInfo) (storage.UpdateID, error) {
	n, err := nextCounter(sc.ctx, sc.tx, "update_id")
	if err != nil {
		return 0, err
	}
	_, err = sc.tx.ExecContext(sc.ctx, `
		UPDATE applications SET update_id = ?, update_seq = change_seq WHERE public_key = ?
	`, int64(n), key.Hex())
	if err != nil {
		return 0, fmt.Errorf("open update: %w", err)
	}
	return storage.UpdateID(n), nil
}

// UpdatesCompleted closes the transaction id. If app changed after id was
// issued a new token is returned and done is false. Otherwise the pending
// state is cleared; an application awaiting reset is forgotten.
func (s *Store) UpdatesCompleted(ctx context.Context, app model.Application, id storage.UpdateID) (storage.UpdateID, bool, error) {
	var (
		next storage.UpdateID
		done bool
	)
	err := s.withTx(ctx, "updates completed", func(sc *txScope) error {
		r, err := loadManaged(ctx, sc.tx, app.KeyInfo)
		if err != nil {
			return err
		}
		if id == 0 || r.updateID != int64(id) {
			return fmt.Errorf("update %s of %s: %w", id, app.KeyInfo, storage.ErrStaleUpdate)
		}

		if r.changeSeq != r.updateSeq {
			next, err = sc.openUpdate(app.KeyInfo)
			return err
		}
		done = true

		if r.syncState == model.SyncWillReset {
			if _, err := sc.tx.ExecContext(ctx, `DELETE FROM applications WHERE public_key = ?`, app.KeyInfo.Hex()); err != nil {
				return fmt.Errorf("remove reset application: %w", err)
			}
			removed := model.Application{KeyInfo: app.KeyInfo, SyncState: model.SyncReset}
			sc.notify(func(l storage.Listener) { l.OnApplicationsRemoved([]model.Application{removed}) })
			s.logger.Info("application reset", "app", app.KeyInfo.String())
			return nil
		}

		_, err = sc.tx.ExecContext(ctx, `
			UPDATE applications SET sync_state = ?, update_id = 0 WHERE public_key = ?
		`, model.SyncOK.String(), app.KeyInfo.Hex())
		if err != nil {
			return fmt.Errorf("clear pending: %w", err)
		}
		if r.syncState == model.SyncPending {
			completed := model.Application{KeyInfo: app.KeyInfo, SyncState: model.SyncOK}
			sc.notify(func(l storage.Listener) { l.OnPendingChangesCompleted([]model.Application{completed}) })
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return next, done, nil
}
