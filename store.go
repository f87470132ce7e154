package sealbox

import (
	"context"
	"encoding/json"
	"time"
)

// Store is a handle to a fully migrated store. Instances only come from
// Open, so every Store runs at the current schema version.
type Store struct {
	engine  *Engine
	codec   *Codec
	logger  Logger
	metrics Metrics
}

// Version returns the committed schema version
func (s *Store) Version() (uint32, error) {
	return s.engine.Version()
}

// Path returns the underlying store file path
func (s *Store) Path() string {
	return s.engine.Path()
}

// Close releases the store handle and the underlying file lock
func (s *Store) Close() error {
	return s.engine.Close()
}

// GetInboundSession fetches an inbound session by its logical key
func (s *Store) GetInboundSession(ctx context.Context, roomID, sessionID string) (*InboundSession, error) {
	start := time.Now()
	var session *InboundSession

	err := s.engine.View(ctx, func(tx *Tx) error {
		table, err := tx.Table(tableInboundSessions2)
		if err != nil {
			return err
		}
		value, err := table.Get(s.codec.EncodeKey(tableInboundSessions2, roomID, sessionID))
		if err != nil {
			return err
		}

		var record sessionRecord
		if err := json.Unmarshal(value, &record); err != nil {
			return decodeError(tableInboundSessions2, err)
		}
		var pickled pickledSession
		if err := s.codec.DeserializeValue(record.Pickle, &pickled); err != nil {
			return decodeError(tableInboundSessions2, err)
		}
		session = pickled.toSession()
		return nil
	})
	s.metrics.Timing(MetricGetDuration, time.Since(start))
	if err != nil {
		if !IsNotFound(err) {
			s.metrics.Increment(MetricGetError)
		}
		return nil, err
	}

	s.metrics.Increment(MetricGetSuccess)
	return session, nil
}

// PutInboundSession stores an inbound session under its canonical key
func (s *Store) PutInboundSession(ctx context.Context, session *InboundSession) error {
	start := time.Now()
	err := s.engine.Update(ctx, func(tx *Tx) error {
		table, err := tx.Table(tableInboundSessions2)
		if err != nil {
			return err
		}
		value, err := s.encodeSessionRecord(session)
		if err != nil {
			return err
		}
		key := s.codec.EncodeKey(tableInboundSessions2, session.RoomID, session.SessionID)
		return table.Put(key, value)
	})
	s.metrics.Timing(MetricPutDuration, time.Since(start))
	if err != nil {
		s.metrics.Increment(MetricPutError)
		return err
	}
	s.metrics.Increment(MetricPutSuccess)
	return nil
}

func (s *Store) encodeSessionRecord(session *InboundSession) ([]byte, error) {
	pickle, err := s.codec.SerializeValue(session.toPickled())
	if err != nil {
		return nil, err
	}
	return json.Marshal(&sessionRecord{
		Pickle:      pickle,
		NeedsBackup: !session.BackedUp,
	})
}

// CountInboundSessions returns the number of stored inbound sessions
func (s *Store) CountInboundSessions(ctx context.Context) (int, error) {
	var count int
	err := s.engine.View(ctx, func(tx *Tx) error {
		table, err := tx.Table(tableInboundSessions2)
		if err != nil {
			return err
		}
		count = table.Count()
		return nil
	})
	return count, err
}

// InboundSessionsNeedingBackup returns up to limit sessions that have not
// been backed up yet, using the needs_backup index. limit <= 0 means no
// limit.
func (s *Store) InboundSessionsNeedingBackup(ctx context.Context, limit int) ([]*InboundSession, error) {
	var sessions []*InboundSession
	err := s.engine.View(ctx, func(tx *Tx) error {
		table, err := tx.Table(tableInboundSessions2)
		if err != nil {
			return err
		}
		return table.IndexScan(indexSessionsNeedsBackup, []byte("1"), func(primaryKey []byte) error {
			if limit > 0 && len(sessions) >= limit {
				return nil
			}
			value, err := table.Get(primaryKey)
			if err != nil {
				return err
			}
			var record sessionRecord
			if err := json.Unmarshal(value, &record); err != nil {
				return decodeError(tableInboundSessions2, err)
			}
			var pickled pickledSession
			if err := s.codec.DeserializeValue(record.Pickle, &pickled); err != nil {
				return decodeError(tableInboundSessions2, err)
			}
			sessions = append(sessions, pickled.toSession())
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// MarkInboundSessionsAsBackedUp flags the given sessions as backed up,
// in one atomic batch. Sessions not present in the store are skipped.
func (s *Store) MarkInboundSessionsAsBackedUp(ctx context.Context, sessions []*InboundSession) error {
	return s.engine.Update(ctx, func(tx *Tx) error {
		table, err := tx.Table(tableInboundSessions2)
		if err != nil {
			return err
		}
		for _, session := range sessions {
			key := s.codec.EncodeKey(tableInboundSessions2, session.RoomID, session.SessionID)
			if _, err := table.Get(key); IsNotFound(err) {
				continue
			} else if err != nil {
				return err
			}

			session.BackedUp = true
			value, err := s.encodeSessionRecord(session)
			if err != nil {
				return err
			}
			if err := table.Put(key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetRoomSettings fetches per-room encryption settings
func (s *Store) GetRoomSettings(ctx context.Context, roomID string) (*RoomSettings, error) {
	var settings RoomSettings
	err := s.engine.View(ctx, func(tx *Tx) error {
		table, err := tx.Table(tableRoomSettings)
		if err != nil {
			return err
		}
		value, err := table.Get(s.codec.EncodeKey(tableRoomSettings, roomID))
		if err != nil {
			return err
		}
		return s.codec.DeserializeValue(value, &settings)
	})
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

// PutRoomSettings stores per-room encryption settings
func (s *Store) PutRoomSettings(ctx context.Context, roomID string, settings *RoomSettings) error {
	return s.engine.Update(ctx, func(tx *Tx) error {
		table, err := tx.Table(tableRoomSettings)
		if err != nil {
			return err
		}
		value, err := s.codec.SerializeValue(settings)
		if err != nil {
			return err
		}
		return table.Put(s.codec.EncodeKey(tableRoomSettings, roomID), value)
	})
}

// PutGossipRequest stores an outgoing secret request. The info field is
// unique across requests: storing a second request for the same info
// fails with ErrAlreadyExists.
func (s *Store) PutGossipRequest(ctx context.Context, request *GossipRequest) error {
	return s.engine.Update(ctx, func(tx *Tx) error {
		table, err := tx.Table(tableGossipRequests)
		if err != nil {
			return err
		}
		value, err := json.Marshal(request)
		if err != nil {
			return err
		}
		return table.Put(s.codec.EncodeKey(tableGossipRequests, request.ID), value)
	})
}

// GetGossipRequestByInfo looks a request up through the unique info index
func (s *Store) GetGossipRequestByInfo(ctx context.Context, info string) (*GossipRequest, error) {
	var request GossipRequest
	err := s.engine.View(ctx, func(tx *Tx) error {
		table, err := tx.Table(tableGossipRequests)
		if err != nil {
			return err
		}
		primaryKey, err := table.IndexGet(indexGossipRequestsByInfo, []byte(info))
		if err != nil {
			return err
		}
		value, err := table.Get(primaryKey)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(value, &request); err != nil {
			return decodeError(tableGossipRequests, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &request, nil
}

// UnsentGossipRequests returns all requests that have not been sent yet
func (s *Store) UnsentGossipRequests(ctx context.Context) ([]*GossipRequest, error) {
	var requests []*GossipRequest
	err := s.engine.View(ctx, func(tx *Tx) error {
		table, err := tx.Table(tableGossipRequests)
		if err != nil {
			return err
		}
		return table.IndexScan(indexGossipRequestsUnsent, []byte("1"), func(primaryKey []byte) error {
			value, err := table.Get(primaryKey)
			if err != nil {
				return err
			}
			var request GossipRequest
			if err := json.Unmarshal(value, &request); err != nil {
				return decodeError(tableGossipRequests, err)
			}
			requests = append(requests, &request)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return requests, nil
}

// MarkGossipRequestSent clears the unsent flag on a request
func (s *Store) MarkGossipRequestSent(ctx context.Context, id string) error {
	return s.engine.Update(ctx, func(tx *Tx) error {
		table, err := tx.Table(tableGossipRequests)
		if err != nil {
			return err
		}
		key := s.codec.EncodeKey(tableGossipRequests, id)
		value, err := table.Get(key)
		if err != nil {
			return err
		}
		var request GossipRequest
		if err := json.Unmarshal(value, &request); err != nil {
			return decodeError(tableGossipRequests, err)
		}
		request.Unsent = false
		updated, err := json.Marshal(&request)
		if err != nil {
			return err
		}
		return table.Put(key, updated)
	})
}

// DeleteGossipRequest removes a request and its index entries
func (s *Store) DeleteGossipRequest(ctx context.Context, id string) error {
	start := time.Now()
	err := s.engine.Update(ctx, func(tx *Tx) error {
		table, err := tx.Table(tableGossipRequests)
		if err != nil {
			return err
		}
		return table.Delete(s.codec.EncodeKey(tableGossipRequests, id))
	})
	s.metrics.Timing(MetricDeleteDuration, time.Since(start))
	if err != nil {
		s.metrics.Increment(MetricDeleteError)
		return err
	}
	s.metrics.Increment(MetricDeleteSuccess)
	return nil
}

// PutSecretInboxItem parks a received secret until the application
// consumes it. The stored value carries the confidentiality transform.
func (s *Store) PutSecretInboxItem(ctx context.Context, item *SecretInboxItem) error {
	return s.engine.Update(ctx, func(tx *Tx) error {
		table, err := tx.Table(tableSecretsInbox)
		if err != nil {
			return err
		}
		value, err := s.codec.SerializeValue(item)
		if err != nil {
			return err
		}
		return table.Put(s.codec.EncodeKey(tableSecretsInbox, item.ID), value)
	})
}

// SecretInboxItems returns every parked secret
func (s *Store) SecretInboxItems(ctx context.Context) ([]*SecretInboxItem, error) {
	var items []*SecretInboxItem
	err := s.engine.View(ctx, func(tx *Tx) error {
		table, err := tx.Table(tableSecretsInbox)
		if err != nil {
			return err
		}
		return table.Scan(func(_, value []byte) error {
			var item SecretInboxItem
			if err := s.codec.DeserializeValue(value, &item); err != nil {
				return decodeError(tableSecretsInbox, err)
			}
			items = append(items, &item)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// DeleteSecretInboxItem removes a parked secret
func (s *Store) DeleteSecretInboxItem(ctx context.Context, id string) error {
	return s.engine.Update(ctx, func(tx *Tx) error {
		table, err := tx.Table(tableSecretsInbox)
		if err != nil {
			return err
		}
		return table.Delete(s.codec.EncodeKey(tableSecretsInbox, id))
	})
}
