package blog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/2beens/miniblog/internal/telemetry/tracing"

	badger "github.com/dgraph-io/badger/v4"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const badgerPostKeyPrefix = "post|"

var _ Store = (*BadgerStore)(nil)

// BadgerStore is the flat-file alternative to PsqlStore: every post lives as a
// single JSON value under its id key, comments and all. Good enough for a
// personal blog with a few hundred posts, and it needs no database server.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db at %s: %w", path, err)
	}
	return &BadgerStore{
		db: db,
	}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) LoadPosts(ctx context.Context) (_ []*Post, err error) {
	_, span := tracing.GlobalTracer.Start(ctx, "badgerStore.loadPosts")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	var posts []*Post
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerPostKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var p Post
				if err := json.Unmarshal(val, &p); err != nil {
					return fmt.Errorf("unmarshal post %s: %w", it.Item().Key(), err)
				}
				posts = append(posts, &p)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debugf("badger store: %d posts loaded", len(posts))

	return posts, nil
}

func (s *BadgerStore) SavePost(ctx context.Context, post *Post) (err error) {
	_, span := tracing.GlobalTracer.Start(ctx, "badgerStore.savePost")
	span.SetAttributes(attribute.String("id", post.ID))
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	postJson, err := json.Marshal(post)
	if err != nil {
		return fmt.Errorf("marshal post %s: %w", post.ID, err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerPostKeyPrefix+post.ID), postJson)
	})
}

func (s *BadgerStore) DeletePost(ctx context.Context, id string) (err error) {
	_, span := tracing.GlobalTracer.Start(ctx, "badgerStore.deletePost")
	span.SetAttributes(attribute.String("id", id))
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(badgerPostKeyPrefix + id)
		if _, err := txn.Get(key); err == badger.ErrKeyNotFound {
			return ErrPostNotFound
		} else if err != nil {
			return err
		}
		return txn.Delete(key)
	})
}
