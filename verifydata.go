package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/mjl-/bstore"

	"github.com/mjl-/hookmta/queue"
	"github.com/mjl-/hookmta/store"
)

func cmdVerifydata(c *cmd) {
	c.params = "data-dir"
	c.help = `Verify the database files in a data directory.

The directory and queue databases are checked to be valid bbolt and bstore
databases. Users must belong to an existing domain, and DKIM keys must be
parsable. Ids on the queue pending list must refer to queued messages, and
queued messages should be on the pending list.

Do not run this on the data directory of a running instance: the databases are
locked while in use. Run it on a copy instead.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	if !verifydata(c, filepath.Clean(args[0])) {
		log.Fatalf("errors were found")
	}
	fmt.Println("data OK")
}

// verifydata checks the databases in dataDir, logging each problem found. It
// returns whether no errors were found.
func verifydata(c *cmd, dataDir string) bool {
	ctxbg := context.Background()

	var fail bool
	checkf := func(err error, path, format string, args ...any) {
		if err == nil {
			return
		}
		fail = true
		log.Printf("error: %s: %s: %v", path, fmt.Sprintf(format, args...), err)
	}
	warnf := func(path, format string, args ...any) {
		log.Printf("warning: %s: %s", path, fmt.Sprintf(format, args...))
	}

	// checkBolt verifies the bbolt consistency of the file at path.
	checkBolt := func(path string) bool {
		bdb, err := bolt.Open(path, 0600, &bolt.Options{ReadOnly: true})
		checkf(err, path, "open database with bolt")
		if err != nil {
			return false
		}
		defer func() {
			if err := bdb.Close(); err != nil {
				log.Printf("closing database file: %v", err)
			}
		}()
		ok := true
		err = bdb.View(func(tx *bolt.Tx) error {
			for err := range tx.Check() {
				checkf(err, path, "bolt database problem")
				ok = false
			}
			return nil
		})
		checkf(err, path, "reading bolt database")
		return ok && err == nil
	}

	// openDB checks a bstore database file by parsing all records, and returns
	// it opened for further checks.
	openDB := func(required bool, path string, types []any) *bstore.DB {
		_, err := os.Stat(path)
		if !required && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		checkf(err, path, "checking if database file exists")
		if err != nil || !checkBolt(path) {
			return nil
		}

		opts := bstore.Options{MustExist: true, RegisterLogger: c.log.Logger}
		db, err := bstore.Open(ctxbg, path, &opts, types...)
		checkf(err, path, "open database with bstore")
		if err != nil {
			return nil
		}
		err = db.Read(ctxbg, func(tx *bstore.Tx) error {
			types, err := tx.Types()
			checkf(err, path, "getting bstore types from database")
			if err != nil {
				return nil
			}
			for _, t := range types {
				var fields []string
				err := tx.Records(t, &fields, func(m map[string]any) error {
					return nil
				})
				checkf(err, path, "parsing record for type %q", t)
			}
			return nil
		})
		checkf(err, path, "checking database file")
		return db
	}

	closeDB := func(db *bstore.DB) {
		if err := db.Close(); err != nil {
			log.Printf("closing database file: %v", err)
		}
	}

	checkDirectory := func() {
		dbpath := filepath.Join(dataDir, "directory.db")
		db := openDB(true, dbpath, store.DBTypes)
		if db == nil {
			return
		}
		defer closeDB(db)

		domains := map[string]bool{}
		err := bstore.QueryDB[store.Domain](ctxbg, db).ForEach(func(d store.Domain) error {
			domains[d.Name] = true
			if !d.Status.Valid() {
				checkf(fmt.Errorf("invalid status %q", d.Status), dbpath, "domain %s", d.Name)
			}
			return nil
		})
		checkf(err, dbpath, "reading domains")

		err = bstore.QueryDB[store.User](ctxbg, db).ForEach(func(u store.User) error {
			if !domains[u.Domain] {
				checkf(errors.New("domain does not exist"), dbpath, "user %s", u.Email)
			}
			if _, _, err := store.ParseQuota(u.Quota); err != nil {
				checkf(err, dbpath, "quota of user %s", u.Email)
			}
			return nil
		})
		checkf(err, dbpath, "reading users")

		err = bstore.QueryDB[store.DKIMKey](ctxbg, db).ForEach(func(k store.DKIMKey) error {
			if !domains[k.Domain] {
				checkf(errors.New("domain does not exist"), dbpath, "dkim key %s for %s", k.Selector, k.Domain)
			}
			_, err := k.Signer()
			checkf(err, dbpath, "dkim key %s for %s", k.Selector, k.Domain)
			return nil
		})
		checkf(err, dbpath, "reading dkim keys")
	}

	checkQueue := func() {
		dbpath := filepath.Join(dataDir, "queue", "index.db")
		db := openDB(false, dbpath, queue.DBTypes)
		if db == nil {
			return
		}
		defer closeDB(db)

		queued := map[string]bool{}
		err := bstore.QueryDB[queue.Msg](ctxbg, db).ForEach(func(m queue.Msg) error {
			queued[m.ID] = true
			if len(m.To) == 0 {
				checkf(queue.ErrNoRecipients, dbpath, "message %s", m.ID)
			}
			return nil
		})
		checkf(err, dbpath, "reading queued messages")

		ppath := filepath.Join(dataDir, "queue", "pending.db")
		if _, err := os.Stat(ppath); err != nil {
			checkf(err, ppath, "checking pending list")
			return
		}
		if !checkBolt(ppath) {
			return
		}
		bdb, err := bolt.Open(ppath, 0600, &bolt.Options{ReadOnly: true})
		checkf(err, ppath, "open pending list")
		if err != nil {
			return
		}
		defer bdb.Close()
		pending := map[string]bool{}
		err = bdb.View(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte("pending"))
			if b == nil {
				return errors.New("missing bucket")
			}
			return b.ForEach(func(k, v []byte) error {
				id := string(v)
				if !queued[id] {
					warnf(ppath, "id %s on pending list without queued message, skipped by the retry processor", id)
				}
				pending[id] = true
				return nil
			})
		})
		checkf(err, ppath, "reading pending list")
		for id := range queued {
			if !pending[id] {
				warnf(ppath, "message %s not on pending list, added at next start", id)
			}
		}
	}

	checkDirectory()
	checkQueue()
	return !fail
}
