/*
Package storage provides the pluggable storage abstraction for tinysos.

# Store Interface

Every operation runs inside one transaction supplied by a Store:

	type Store interface {
	    Update(ctx context.Context, fn func(tx Tx) error) error
	    View(ctx context.Context, fn func(tx Tx) error) error
	    Close() error
	}

fn's writes become visible together when it returns nil and are discarded
when it returns an error. Backends:

  - memory: copy-on-write maps, for tests and ephemeral servers
  - badger: BadgerDB with Snappy compression, the default
  - sqlstore: database/sql over sqlite (modernc) or postgres (pgx)

Badger transactions are optimistic, so Update may run fn more than once
after a conflict. fn must not keep side effects outside tx between runs.

# Repository

Repository is the surface the deletion core consumes. It addresses
datasets, observations, procedures and offerings by id and never returns
object graphs: a procedure lists child ids, an observation its parent id,
a dataset the ids it references.

	err := store.Update(ctx, func(tx storage.Tx) error {
	    if err := tx.LockDataset(ctx, "ds-1"); err != nil {
	        return err
	    }
	    n, err := tx.BulkMarkDeleted(ctx, "ds-1", &storage.Predicate{
	        Times: []storage.TimeRange{{Start: &from, StartInclusive: true}},
	    })
	    ...
	})

LockDataset serializes deletions touching the same dataset. Callers lock
in sorted id order.

# Predicates

A Predicate is a pushed-down filter: an observation matches when every
time range contains its phenomenon time and its identifier is in the
list. An empty part does not constrain. Nil TimeRange bounds are open.

Getters return ErrNotFound for missing rows. Mutating calls made inside
View return ErrReadOnly.
*/
package storage
