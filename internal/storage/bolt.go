package storage

import (
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// DatabaseFile is the bbolt file name inside the data directory
const DatabaseFile = "statdeck.db"

// ErrNotFound is returned when a key has never been written
var ErrNotFound = errors.New("record not found")

// BoltDB wraps the bbolt handle
type BoltDB struct {
	db     *bbolt.DB
	path   string
	logger *zap.SugaredLogger
}

// NewBoltDB opens (or creates) the database in dataDir
func NewBoltDB(dataDir string, logger *zap.SugaredLogger) (*BoltDB, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	path := filepath.Join(dataDir, DatabaseFile)
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	b := &BoltDB{db: db, path: path, logger: logger}
	if err := b.initBuckets(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debugf("Opened database at %s", path)
	return b, nil
}

func (b *BoltDB) initBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{SettingsBucket, TypingBucket, MetaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}

		meta := tx.Bucket([]byte(MetaBucket))
		if meta.Get([]byte(SchemaVersionKey)) == nil {
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, CurrentSchemaVersion)
			return meta.Put([]byte(SchemaVersionKey), buf)
		}
		return nil
	})
}

// Close closes the database
func (b *BoltDB) Close() error {
	return b.db.Close()
}

// Path returns the database file path
func (b *BoltDB) Path() string {
	return b.path
}

func (b *BoltDB) put(bucket, key string, value encoding.BinaryMarshaler) error {
	data, err := value.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", bucket, key, err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
	})
}

func (b *BoltDB) get(bucket, key string, into encoding.BinaryUnmarshaler) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucket)).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return into.UnmarshalBinary(data)
	})
}

// update reads the current record (if any), lets fn modify it and writes it
// back in one transaction.
func (b *BoltDB) update(bucket, key string, record interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}, fn func() error) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if data := bkt.Get([]byte(key)); data != nil {
			if err := record.UnmarshalBinary(data); err != nil {
				return fmt.Errorf("failed to decode %s/%s: %w", bucket, key, err)
			}
		}
		if err := fn(); err != nil {
			return err
		}
		data, err := record.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to encode %s/%s: %w", bucket, key, err)
		}
		return bkt.Put([]byte(key), data)
	})
}

// SchemaVersion returns the stored schema version
func (b *BoltDB) SchemaVersion() (uint64, error) {
	var version uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(MetaBucket)).Get([]byte(SchemaVersionKey))
		if len(data) != 8 {
			return ErrNotFound
		}
		version = binary.BigEndian.Uint64(data)
		return nil
	})
	return version, err
}

// Backup writes a consistent copy of the database to destPath
func (b *BoltDB) Backup(destPath string) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		return tx.CopyFile(destPath, 0600)
	})
}
