package sealbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func testEnginePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "engine.db")
}

func TestVersionedOpen(t *testing.T) {
	path := testEnginePath(t)

	t.Run("FreshStoreIsVersionZero", func(t *testing.T) {
		eng, err := openEngine(path)
		if err != nil {
			t.Fatalf("open failed: %v", err)
		}
		defer eng.Close()

		version, err := eng.Version()
		if err != nil {
			t.Fatalf("version read failed: %v", err)
		}
		if version != 0 {
			t.Errorf("expected version 0, got %d", version)
		}
	})

	t.Run("UpgradeCallbackSeesOldVersion", func(t *testing.T) {
		var sawOld, sawNew uint32
		eng, err := openEngineAt(path, 3, func(tx *UpgradeTx) error {
			sawOld = tx.OldVersion()
			sawNew = tx.NewVersion()
			return tx.CreateTable("things")
		})
		if err != nil {
			t.Fatalf("versioned open failed: %v", err)
		}
		eng.Close()

		if sawOld != 0 || sawNew != 3 {
			t.Errorf("expected upgrade 0 -> 3, got %d -> %d", sawOld, sawNew)
		}
	})

	t.Run("VersionPersistsAcrossOpens", func(t *testing.T) {
		eng, err := openEngine(path)
		if err != nil {
			t.Fatalf("open failed: %v", err)
		}
		defer eng.Close()

		version, err := eng.Version()
		if err != nil {
			t.Fatalf("version read failed: %v", err)
		}
		if version != 3 {
			t.Errorf("expected version 3, got %d", version)
		}
	})

	t.Run("SameVersionSkipsUpgrade", func(t *testing.T) {
		eng, err := openEngineAt(path, 3, func(tx *UpgradeTx) error {
			t.Error("upgrade callback must not run when versions match")
			return nil
		})
		if err != nil {
			t.Fatalf("open failed: %v", err)
		}
		eng.Close()
	})

	t.Run("DowngradeFails", func(t *testing.T) {
		_, err := openEngineAt(path, 2, nil)
		if !errors.Is(err, ErrVersionDowngrade) {
			t.Errorf("expected ErrVersionDowngrade, got %v", err)
		}
	})
}

func TestUpgradeRollsBackAtomically(t *testing.T) {
	path := testEnginePath(t)
	boom := errors.New("boom")

	_, err := openEngineAt(path, 4, func(tx *UpgradeTx) error {
		if err := tx.CreateTable("partial"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected upgrade error to surface, got %v", err)
	}

	// Neither the version bump nor the table creation survived
	eng, err := openEngine(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer eng.Close()

	version, err := eng.Version()
	if err != nil {
		t.Fatalf("version read failed: %v", err)
	}
	if version != 0 {
		t.Errorf("expected version 0 after rollback, got %d", version)
	}
	err = eng.View(context.Background(), func(tx *Tx) error {
		if tx.HasTable("partial") {
			t.Error("table created in aborted upgrade still exists")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view failed: %v", err)
	}
}

func TestTableOperations(t *testing.T) {
	ctx := context.Background()
	path := testEnginePath(t)

	eng, err := openEngineAt(path, 1, func(tx *UpgradeTx) error {
		return tx.CreateTable("records")
	})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer eng.Close()

	t.Run("MissingTable", func(t *testing.T) {
		err := eng.View(ctx, func(tx *Tx) error {
			_, err := tx.Table("nope")
			return err
		})
		if !errors.Is(err, ErrTableMissing) {
			t.Errorf("expected ErrTableMissing, got %v", err)
		}
	})

	t.Run("PutGetDelete", func(t *testing.T) {
		err := eng.Update(ctx, func(tx *Tx) error {
			table, err := tx.Table("records")
			if err != nil {
				return err
			}
			if err := table.Put([]byte("k1"), []byte("v1")); err != nil {
				return err
			}
			got, err := table.Get([]byte("k1"))
			if err != nil {
				return err
			}
			if string(got) != "v1" {
				t.Errorf("expected v1, got %q", got)
			}
			if _, err := table.Get([]byte("absent")); !IsNotFound(err) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
			return table.Delete([]byte("k1"))
		})
		if err != nil {
			t.Fatalf("update failed: %v", err)
		}

		err = eng.View(ctx, func(tx *Tx) error {
			table, err := tx.Table("records")
			if err != nil {
				return err
			}
			if _, err := table.Get([]byte("k1")); !IsNotFound(err) {
				t.Errorf("expected deleted key to be gone, got %v", err)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("view failed: %v", err)
		}
	})

	t.Run("AddRefusesExistingKey", func(t *testing.T) {
		err := eng.Update(ctx, func(tx *Tx) error {
			table, err := tx.Table("records")
			if err != nil {
				return err
			}
			if err := table.Add([]byte("dup"), []byte("first")); err != nil {
				return err
			}
			err = table.Add([]byte("dup"), []byte("second"))
			if !IsAlreadyExists(err) {
				t.Errorf("expected ErrAlreadyExists, got %v", err)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("update failed: %v", err)
		}
	})

	t.Run("FailedBatchRollsBack", func(t *testing.T) {
		boom := errors.New("boom")
		err := eng.Update(ctx, func(tx *Tx) error {
			table, err := tx.Table("records")
			if err != nil {
				return err
			}
			if err := table.Put([]byte("doomed"), []byte("x")); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected batch error to surface, got %v", err)
		}

		err = eng.View(ctx, func(tx *Tx) error {
			table, err := tx.Table("records")
			if err != nil {
				return err
			}
			if _, err := table.Get([]byte("doomed")); !IsNotFound(err) {
				t.Error("write from failed batch is visible")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("view failed: %v", err)
		}
	})
}

func TestSecondaryIndexes(t *testing.T) {
	ctx := context.Background()
	path := testEnginePath(t)

	eng, err := openEngineAt(path, 1, func(tx *UpgradeTx) error {
		if err := tx.CreateTable("requests"); err != nil {
			return err
		}
		if err := tx.CreateIndex("requests", "by_state", "state", false); err != nil {
			return err
		}
		return tx.CreateIndex("requests", "by_slug", "slug", true)
	})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer eng.Close()

	put := func(t *testing.T, key, state, slug string) {
		t.Helper()
		err := eng.Update(ctx, func(tx *Tx) error {
			table, err := tx.Table("requests")
			if err != nil {
				return err
			}
			value := []byte(fmt.Sprintf(`{"state":%q,"slug":%q}`, state, slug))
			return table.Put([]byte(key), value)
		})
		if err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}

	scan := func(t *testing.T, index, value string) []string {
		t.Helper()
		var keys []string
		err := eng.View(ctx, func(tx *Tx) error {
			table, err := tx.Table("requests")
			if err != nil {
				return err
			}
			return table.IndexScan(index, []byte(value), func(pk []byte) error {
				keys = append(keys, string(pk))
				return nil
			})
		})
		if err != nil {
			t.Fatalf("index scan failed: %v", err)
		}
		return keys
	}

	put(t, "r1", "pending", "alpha")
	put(t, "r2", "pending", "beta")
	put(t, "r3", "done", "gamma")

	t.Run("NonUniqueScan", func(t *testing.T) {
		keys := scan(t, "by_state", "pending")
		if len(keys) != 2 {
			t.Fatalf("expected 2 pending requests, got %v", keys)
		}
	})

	t.Run("UniqueGet", func(t *testing.T) {
		err := eng.View(ctx, func(tx *Tx) error {
			table, err := tx.Table("requests")
			if err != nil {
				return err
			}
			pk, err := table.IndexGet("by_slug", []byte("beta"))
			if err != nil {
				return err
			}
			if string(pk) != "r2" {
				t.Errorf("expected r2, got %q", pk)
			}
			_, err = table.IndexGet("by_slug", []byte("missing"))
			if !IsNotFound(err) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("view failed: %v", err)
		}
	})

	t.Run("UniqueViolation", func(t *testing.T) {
		err := eng.Update(ctx, func(tx *Tx) error {
			table, err := tx.Table("requests")
			if err != nil {
				return err
			}
			return table.Put([]byte("r4"), []byte(`{"state":"pending","slug":"alpha"}`))
		})
		if !IsAlreadyExists(err) {
			t.Errorf("expected unique violation, got %v", err)
		}
	})

	t.Run("UpdateMovesIndexEntries", func(t *testing.T) {
		put(t, "r1", "done", "alpha")

		if keys := scan(t, "by_state", "pending"); len(keys) != 1 || keys[0] != "r2" {
			t.Errorf("expected only r2 pending after update, got %v", keys)
		}
		if keys := scan(t, "by_state", "done"); len(keys) != 2 {
			t.Errorf("expected 2 done requests after update, got %v", keys)
		}
	})

	t.Run("DeleteRemovesIndexEntries", func(t *testing.T) {
		err := eng.Update(ctx, func(tx *Tx) error {
			table, err := tx.Table("requests")
			if err != nil {
				return err
			}
			return table.Delete([]byte("r3"))
		})
		if err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		for _, key := range scan(t, "by_state", "done") {
			if key == "r3" {
				t.Error("deleted record still present in index")
			}
		}
	})

	t.Run("MissingIndex", func(t *testing.T) {
		err := eng.View(ctx, func(tx *Tx) error {
			table, err := tx.Table("requests")
			if err != nil {
				return err
			}
			return table.IndexScan("no_such_index", []byte("x"), func([]byte) error { return nil })
		})
		if !errors.Is(err, ErrIndexMissing) {
			t.Errorf("expected ErrIndexMissing, got %v", err)
		}
	})
}

func TestIndexBackfill(t *testing.T) {
	// CreateIndex on a table that already has records must index them
	ctx := context.Background()
	path := testEnginePath(t)

	eng, err := openEngineAt(path, 1, func(tx *UpgradeTx) error {
		return tx.CreateTable("items")
	})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	err = eng.Update(ctx, func(tx *Tx) error {
		table, err := tx.Table("items")
		if err != nil {
			return err
		}
		if err := table.Put([]byte("a"), []byte(`{"flag":true}`)); err != nil {
			return err
		}
		return table.Put([]byte("b"), []byte(`{"flag":false}`))
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	eng.Close()

	eng, err = openEngineAt(path, 2, func(tx *UpgradeTx) error {
		return tx.CreateIndex("items", "by_flag", "flag", false)
	})
	if err != nil {
		t.Fatalf("index upgrade failed: %v", err)
	}
	defer eng.Close()

	var keys []string
	err = eng.View(ctx, func(tx *Tx) error {
		table, err := tx.Table("items")
		if err != nil {
			return err
		}
		return table.IndexScan("by_flag", []byte("1"), func(pk []byte) error {
			keys = append(keys, string(pk))
			return nil
		})
	})
	if err != nil {
		t.Fatalf("index scan failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != "a" {
		t.Errorf("expected backfilled index to find [a], got %v", keys)
	}
}

func TestCursorDeleteDuringScan(t *testing.T) {
	ctx := context.Background()
	path := testEnginePath(t)

	eng, err := openEngineAt(path, 1, func(tx *UpgradeTx) error {
		if err := tx.CreateTable("src"); err != nil {
			return err
		}
		return tx.CreateTable("dst")
	})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer eng.Close()

	err = eng.Update(ctx, func(tx *Tx) error {
		table, err := tx.Table("src")
		if err != nil {
			return err
		}
		for i := 0; i < 10; i++ {
			if err := table.Put([]byte(fmt.Sprintf("key-%02d", i)), []byte("v")); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	// Drain src into dst through a cursor, the way the data migrator does
	err = eng.Update(ctx, func(tx *Tx) error {
		src, err := tx.Table("src")
		if err != nil {
			return err
		}
		dst, err := tx.Table("dst")
		if err != nil {
			return err
		}
		c := src.Cursor()
		for c.Valid() {
			if err := dst.Add(copyBytes(c.Key()), copyBytes(c.Value())); err != nil {
				return err
			}
			if err := c.Delete(); err != nil {
				return err
			}
			c.Next()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	err = eng.View(ctx, func(tx *Tx) error {
		src, err := tx.Table("src")
		if err != nil {
			return err
		}
		dst, err := tx.Table("dst")
		if err != nil {
			return err
		}
		if got := src.Count(); got != 0 {
			t.Errorf("expected src drained, got %d records", got)
		}
		if got := dst.Count(); got != 10 {
			t.Errorf("expected 10 records in dst, got %d", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view failed: %v", err)
	}
}
