package sealbox

import (
	"context"
	"time"
)

// Open opens the store at path, upgrading its schema and data to the
// current version first. It is the only entry point: a store handle is
// never returned at a lower version.
//
// The upgrade is resumable. Structural changes commit under their own
// version numbers, the bulk phases in between are idempotent, and the
// version number is the single persisted progress marker — so a crash at
// any point simply re-runs the unfinished phase on the next Open.
func Open(ctx context.Context, path string, codec *Codec, opts ...Option) (*Store, error) {
	o := applyOptions(opts)
	logger, metrics := o.Logger, o.Metrics
	start := time.Now()

	// Discover the committed version without forcing one.
	eng, err := openEngine(path)
	if err != nil {
		return nil, err
	}
	oldVersion, err := eng.Version()
	if closeErr := eng.Close(); err == nil && closeErr != nil {
		err = engineError("close", closeErr)
	}
	if err != nil {
		return nil, err
	}

	// If we have yet to complete the migration to v7, migrate the schema
	// to v6 (if necessary), and then migrate any remaining data.
	if oldVersion < 7 {
		logger.Info("store upgrade schema & data -> v6 starting", "old_version", oldVersion)
		eng, err := openEngineAt(path, 6, upgradeSchemaToV6(logger))
		if err != nil {
			return nil, err
		}
		if err := migrateLegacySessions(ctx, eng, codec, logger, metrics); err != nil {
			eng.Close()
			return nil, err
		}
		if err := eng.Close(); err != nil {
			return nil, engineError("close", err)
		}
		logger.Info("store upgrade schema & data -> v6 finished", "old_version", oldVersion)

		// Now we can safely complete the migration to v7, which drops the
		// fully drained legacy table.
		if err := upgradeSchemaToV7(path, logger); err != nil {
			return nil, err
		}
	}

	// And finally migrate to v8: same schema, but fix the record keys in
	// inbound_sessions2 that the v6 data migration carried over verbatim.
	if oldVersion < 8 {
		if err := fixupSessionKeys(ctx, path, codec, logger, metrics); err != nil {
			return nil, err
		}
		if err := upgradeSchemaToV8(path, logger); err != nil {
			return nil, err
		}
	}

	// The store is at v8 now, so open it there and hand it out.
	eng, err = openEngineAt(path, CurrentSchemaVersion, nil)
	if err != nil {
		return nil, err
	}
	metrics.Timing(MetricOpenDuration, time.Since(start))
	return &Store{
		engine:  eng,
		codec:   codec,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// upgradeSchemaToV6 runs every pending structural step up to version 6
// in one upgrade transaction. Each step gates itself on the version that
// was committed before the transaction began.
func upgradeSchemaToV6(logger Logger) func(*UpgradeTx) error {
	return func(tx *UpgradeTx) error {
		logger.Info("upgrading store schema, phase 1",
			"old_version", tx.OldVersion(), "new_version", tx.NewVersion())

		if tx.OldVersion() < 1 {
			if err := migrateTablesToV1(tx); err != nil {
				return err
			}
		}
		if tx.OldVersion() < 2 {
			if err := migrateTablesToV2(tx); err != nil {
				return err
			}
		}
		if tx.OldVersion() < 3 {
			if err := migrateTablesToV3(tx); err != nil {
				return err
			}
		}
		if tx.OldVersion() < 4 {
			if err := migrateTablesToV4(tx); err != nil {
				return err
			}
		}
		if tx.OldVersion() < 5 {
			if err := migrateTablesToV5(tx); err != nil {
				return err
			}
		}
		if tx.OldVersion() < 6 {
			if err := migrateTablesToV6(tx); err != nil {
				return err
			}
		}

		// NOTE! Further steps must NOT be added here.
		//
		// At this point the bulk migration of inbound_sessions has to run,
		// and that work cannot happen inside an upgrade transaction.
		// Later structural steps live in their own upgrade transactions,
		// sequenced from Open.

		logger.Info("store schema phase 1 complete",
			"old_version", tx.OldVersion(), "new_version", tx.NewVersion())
		return nil
	}
}

// upgradeSchemaToV7 drops the legacy inbound session table. It runs only
// after the bulk data migration has fully drained it.
func upgradeSchemaToV7(path string, logger Logger) error {
	eng, err := openEngineAt(path, 7, func(tx *UpgradeTx) error {
		if tx.OldVersion() < 7 {
			logger.Info("store upgrade schema -> v7 starting", "old_version", tx.OldVersion())
			if err := migrateTablesToV7(tx); err != nil {
				return err
			}
			logger.Info("store upgrade schema -> v7 complete", "old_version", tx.OldVersion())
		}
		return nil
	})
	if err != nil {
		return err
	}
	return eng.Close()
}

// upgradeSchemaToV8 bumps the version with no structural change. The
// bump exists to durably record that the key fixup pass completed.
func upgradeSchemaToV8(path string, logger Logger) error {
	logger.Info("store upgrade schema -> v8 starting")
	eng, err := openEngineAt(path, 8, nil)
	if err != nil {
		return err
	}
	if err := eng.Close(); err != nil {
		return engineError("close", err)
	}
	logger.Info("store upgrade schema -> v8 complete")
	return nil
}

func migrateTablesToV1(tx *UpgradeTx) error {
	for _, table := range []string{
		tableCore,
		tableSessions,
		legacyTableInboundSessions,
		tableOutboundSessions,
		tableTrackedIdentities,
		tableVerificationHashes,
		tableDevices,
		tableCrossSigningIdentities,
		tableBackupKeys,
	} {
		if err := tx.CreateTable(table); err != nil {
			return err
		}
	}
	return nil
}

func migrateTablesToV2(tx *UpgradeTx) error {
	// The inbound session key shape changed from a 3-part tuple of
	// (room_id, sender_key, session_id) to a 2-part tuple of
	// (room_id, session_id). The data is re-derivable, so drop the whole
	// table rather than re-keying it.
	if err := tx.DeleteTable(legacyTableInboundSessions); err != nil {
		return err
	}
	if err := tx.CreateTable(legacyTableInboundSessions); err != nil {
		return err
	}

	return tx.CreateTable(tableRoomSettings)
}

func migrateTablesToV3(tx *UpgradeTx) error {
	// The outbound session value shape changed; existing outbound
	// sessions are discarded.
	if err := tx.DeleteTable(tableOutboundSessions); err != nil {
		return err
	}
	if err := tx.CreateTable(tableOutboundSessions); err != nil {
		return err
	}

	return tx.CreateTable(tableWithheldCodes)
}

func migrateTablesToV4(tx *UpgradeTx) error {
	return tx.CreateTable(tableSecretsInbox)
}

func migrateTablesToV5(tx *UpgradeTx) error {
	// New store for outgoing secret requests
	if err := tx.CreateTable(tableGossipRequests); err != nil {
		return err
	}
	if err := tx.CreateIndex(tableGossipRequests, indexGossipRequestsUnsent, "unsent", false); err != nil {
		return err
	}
	if err := tx.CreateIndex(tableGossipRequests, indexGossipRequestsByInfo, "info", true); err != nil {
		return err
	}

	if tx.HasTable(obsoleteTableOutgoingSecretRequests) {
		// Drop the superseded request tables; any pending requests are
		// simply discarded.
		for _, table := range []string{
			obsoleteTableOutgoingSecretRequests,
			obsoleteTableUnsentSecretRequests,
			obsoleteTableSecretRequestsByInfo,
		} {
			if err := tx.DeleteTable(table); err != nil {
				return err
			}
		}
	}
	return nil
}

func migrateTablesToV6(tx *UpgradeTx) error {
	// The inbound session store changes shape again. The new table is
	// created here but NOT populated: populating it needs the record
	// codec, which cannot run inside an upgrade transaction. The bulk
	// copy happens in migrateLegacySessions once this transaction has
	// committed, and the legacy table is only dropped at v7, after the
	// copy has fully completed.
	if err := tx.CreateTable(tableInboundSessions2); err != nil {
		return err
	}
	return tx.CreateIndex(tableInboundSessions2, indexSessionsNeedsBackup, "needs_backup", false)
}

func migrateTablesToV7(tx *UpgradeTx) error {
	return tx.DeleteTable(legacyTableInboundSessions)
}
