package queue

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var pendingBucket = []byte("pending")

// pendingList is a persistent FIFO of message ids. Keys are big-endian
// sequence numbers, so the cursor order is the order of pushing.
type pendingList struct {
	db *bolt.DB
}

func openPending(path string) (*pendingList, error) {
	db, err := bolt.Open(path, 0660, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open pending list: %v", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pendingBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating pending bucket: %v", err)
	}
	return &pendingList{db}, nil
}

func (p *pendingList) Close() error {
	return p.db.Close()
}

// Push appends ids to the end of the list.
func (p *pendingList) Push(ids ...string) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingBucket)
		for _, id := range ids {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			var k [8]byte
			binary.BigEndian.PutUint64(k[:], seq)
			if err := b.Put(k[:], []byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Pop removes and returns the first id. ok is false if the list is empty.
func (p *pendingList) Pop() (id string, ok bool, err error) {
	err = p.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(pendingBucket).Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		// Values are only valid during the transaction, string() copies.
		id, ok = string(v), true
		return c.Delete()
	})
	return
}

// Remove removes all entries for id.
func (p *pendingList) Remove(id string) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingBucket)
		var keys [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if string(v) == id {
				keys = append(keys, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// IDs returns all ids in order.
func (p *pendingList) IDs() ([]string, error) {
	var ids []string
	err := p.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).ForEach(func(k, v []byte) error {
			ids = append(ids, string(v))
			return nil
		})
	})
	return ids, err
}

func (p *pendingList) Len() (int, error) {
	var n int
	err := p.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(pendingBucket).Stats().KeyN
		return nil
	})
	return n, err
}
