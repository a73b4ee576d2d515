package helpx

import (
	"context"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// PebbleStore keeps the message cache in an on-disk pebble database so it
// survives restarts.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebbleStore opens or creates a pebble database at dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble cache at %s", dir)
	}
	jww.DEBUG.Printf("pebble cache opened at %s", dir)
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Get(_ context.Context, key string) ([]byte, error) {
	v, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

// Put writes without fsync; losing the last snapshot on a crash is harmless.
func (s *PebbleStore) Put(_ context.Context, key string, value []byte) error {
	return s.db.Set([]byte(key), value, pebble.NoSync)
}

func (s *PebbleStore) Delete(_ context.Context, key string) error {
	return s.db.Delete([]byte(key), pebble.NoSync)
}

func (s *PebbleStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
