package sealbox

import (
	"context"
	"encoding/json"
	"time"
)

// migrateLegacySessions copies every record from the legacy inbound
// session table into inbound_sessions2, reshaping the value on the way,
// in one atomic batch.
//
// The physical key is carried over verbatim; it is NOT re-derived for
// the new table name. Stores already in the field were populated that
// way, so re-deriving here would strand them — the key fixup pass
// (fixupSessionKeys) canonicalizes keys for both populations in one
// place.
//
// The batch either commits whole or rolls back whole, and a re-run
// against the already drained legacy table is a no-op, so this phase can
// be retried after any interruption.
func migrateLegacySessions(ctx context.Context, eng *Engine, codec *Codec, logger Logger, metrics Metrics) error {
	start := time.Now()
	migrated := 0

	err := eng.Update(ctx, func(tx *Tx) error {
		legacy, err := tx.Table(legacyTableInboundSessions)
		if err != nil {
			return err
		}
		dst, err := tx.Table(tableInboundSessions2)
		if err != nil {
			return err
		}

		rowCount := legacy.Count()
		logger.Info("migrating inbound session records to new table", "row_count", rowCount)

		idx := 0
		c := legacy.Cursor()
		for c.Valid() {
			idx++
			key := copyBytes(c.Key())
			if key == nil {
				return WithContext(ErrCursorNoKey, map[string]interface{}{
					"table": legacyTableInboundSessions,
				})
			}

			if idx%progressLogInterval == 0 {
				logger.Debug("migrating session record", "index", idx, "row_count", rowCount)
			}

			var pickled pickledSession
			if err := codec.DeserializeValue(c.Value(), &pickled); err != nil {
				return decodeError(legacyTableInboundSessions, err)
			}

			pickle, err := codec.SerializeValue(&pickled)
			if err != nil {
				return err
			}
			value, err := json.Marshal(&sessionRecord{
				Pickle:      pickle,
				NeedsBackup: !pickled.BackedUp,
			})
			if err != nil {
				return err
			}

			if err := dst.Add(key, value); err != nil {
				return err
			}

			// Done with the original record, so delete it now.
			if err := c.Delete(); err != nil {
				return err
			}
			migrated++
			metrics.Increment(MetricMigrateRecords)
			c.Next()
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Debug("inbound session records migrated", "migrated", migrated)
	metrics.Timing(MetricMigrateDuration, time.Since(start))
	return nil
}
