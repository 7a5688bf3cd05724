package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const invoiceBucketName = "invoices"

// DB defines the interface for invoice persistence.
type DB interface {
	// SaveInvoice saves a stored invoice to the database
	SaveInvoice(stored *StoredInvoice) error

	// GetInvoice retrieves a stored invoice by ID
	GetInvoice(id string) (*StoredInvoice, error)

	// ListInvoices returns all stored invoices
	ListInvoices() ([]*StoredInvoice, error)

	// DeleteInvoice removes a stored invoice from the database
	DeleteInvoice(id string) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB.
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance.
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(invoiceBucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// SaveInvoice saves a stored invoice to the database.
func (b *BoltDB) SaveInvoice(stored *StoredInvoice) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(invoiceBucketName))
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshaling invoice: %w", err)
		}
		return bucket.Put([]byte(stored.ID), data)
	})
}

// GetInvoice retrieves a stored invoice by ID.
func (b *BoltDB) GetInvoice(id string) (*StoredInvoice, error) {
	var stored *StoredInvoice
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(invoiceBucketName))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("invoice not found: %s", id)
		}
		return json.Unmarshal(data, &stored)
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// ListInvoices returns all stored invoices.
func (b *BoltDB) ListInvoices() ([]*StoredInvoice, error) {
	invoices := make([]*StoredInvoice, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(invoiceBucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var stored StoredInvoice
			if err := json.Unmarshal(v, &stored); err != nil {
				return fmt.Errorf("unmarshaling invoice: %w", err)
			}
			invoices = append(invoices, &stored)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

// DeleteInvoice removes a stored invoice from the database.
func (b *BoltDB) DeleteInvoice(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(invoiceBucketName))
		return bucket.Delete([]byte(id))
	})
}

// Close closes the database connection.
func (b *BoltDB) Close() error {
	return b.db.Close()
}
