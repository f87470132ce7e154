package sealbox

import (
	"bytes"
	"context"
	"encoding/json"
	"time"
)

// fixupSessionKeys rewrites any inbound_sessions2 record that is stored
// under a stale physical key to its canonical key, in one atomic batch.
//
// The v6 data migration carried legacy keys over verbatim instead of
// re-deriving them for the new table name, so on stores with a secret
// every migrated record sits under a key the codec would no longer
// produce. For each record the canonical key is recomputed from the
// decoded session; a record already under its canonical key is left
// untouched. A stale record is deleted, and re-inserted under the
// canonical key only if nothing is there yet: an entry already at the
// canonical key is more up to date, so the stale duplicate is discarded
// (existing wins, no merge).
//
// Running the pass twice is a no-op the second time, which makes it safe
// to re-trigger from any interrupted open at a version below 8.
func fixupSessionKeys(ctx context.Context, path string, codec *Codec, logger Logger, metrics Metrics) error {
	logger.Info("store upgrade data -> v8 starting")
	start := time.Now()

	eng, err := openEngine(path)
	if err != nil {
		return err
	}
	defer eng.Close()

	var updated, discarded int
	err = eng.Update(ctx, func(tx *Tx) error {
		table, err := tx.Table(tableInboundSessions2)
		if err != nil {
			return err
		}

		rowCount := table.Count()
		logger.Info("fixing inbound session record keys", "row_count", rowCount)

		// The cursor cannot survive same-table inserts, so stale records
		// are collected during the scan and relocated afterwards, still
		// inside this batch. Relocations apply in scan order and the
		// existing-entry check runs at apply time, which resolves
		// collisions exactly as a record-at-a-time pass would.
		type relocation struct {
			staleKey     []byte
			canonicalKey []byte
			value        []byte
		}
		var relocations []relocation

		idx := 0
		err = table.Scan(func(key, value []byte) error {
			idx++
			if key == nil {
				return WithContext(ErrCursorNoKey, map[string]interface{}{
					"table": tableInboundSessions2,
				})
			}
			if idx%progressLogInterval == 0 {
				logger.Debug("checking session record key", "index", idx, "row_count", rowCount)
			}

			var record sessionRecord
			if err := json.Unmarshal(value, &record); err != nil {
				return decodeError(tableInboundSessions2, err)
			}
			var pickled pickledSession
			if err := codec.DeserializeValue(record.Pickle, &pickled); err != nil {
				return decodeError(tableInboundSessions2, err)
			}

			canonical := codec.EncodeKey(tableInboundSessions2, pickled.RoomID, pickled.SessionID)
			if !bytes.Equal(canonical, key) {
				relocations = append(relocations, relocation{
					staleKey:     copyBytes(key),
					canonicalKey: canonical,
					value:        copyBytes(value),
				})
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, r := range relocations {
			// Remove the entry under the stale key
			if err := table.Delete(r.staleKey); err != nil {
				return err
			}

			// If an entry already sits at the canonical key it is more up
			// to date; drop the stale duplicate.
			if _, err := table.Get(r.canonicalKey); err == nil {
				discarded++
				metrics.Increment(MetricFixupDiscarded)
				continue
			} else if !IsNotFound(err) {
				return err
			}

			if err := table.Add(r.canonicalKey, r.value); err != nil {
				return err
			}
			updated++
			metrics.Increment(MetricFixupRelocated)
		}

		logger.Debug("inbound session record keys fixed",
			"row_count", rowCount, "updated", updated, "discarded", discarded)
		return nil
	})
	if err != nil {
		return err
	}

	metrics.Timing(MetricFixupDuration, time.Since(start))
	logger.Info("store upgrade data -> v8 finished")
	return nil
}
