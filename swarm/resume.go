package swarm

import (
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/bobg/p2psync"
)

var resumeBucket = []byte("resume")

// ResumeStore persists the progress of interrupted file downloads,
// so a later download of the same content to the same place
// can pick up where it left off.
type ResumeStore struct {
	db *bolt.DB
}

// OpenResumeStore opens
// (creating if necessary)
// the resume database at path.
func OpenResumeStore(path string) (*ResumeStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(resumeBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating bucket")
	}
	return &ResumeStore{db: db}, nil
}

func (r *ResumeStore) Close() error {
	return r.db.Close()
}

func resumeKey(h p2psync.Hash, dest string) []byte {
	return append(h[:], dest...)
}

func (r *ResumeStore) load(h p2psync.Hash, dest string) (*bitmap, error) {
	var result *bitmap
	err := r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(resumeBucket).Get(resumeKey(h, dest))
		if v == nil {
			return nil
		}
		var err error
		result, err = unmarshalBitmap(v)
		return err
	})
	return result, errors.Wrapf(err, "loading progress for %s", dest)
}

func (r *ResumeStore) save(h p2psync.Hash, dest string, b *bitmap) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(resumeBucket).Put(resumeKey(h, dest), b.marshal())
	})
	return errors.Wrapf(err, "saving progress for %s", dest)
}

func (r *ResumeStore) remove(h p2psync.Hash, dest string) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(resumeBucket).Delete(resumeKey(h, dest))
	})
	return errors.Wrapf(err, "removing progress for %s", dest)
}
