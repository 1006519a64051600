package registry

import (
	"context"

	root "github.com/nistoar/pdr-cachemgr"
	"github.com/nistoar/pdr-cachemgr/store/inventorydb"
)

// Algorithms is the Checksum Algorithm Registry: name -> id lookup, backed
// by the inventory DB. New names are added lazily, per spec.md §4.6.
type Algorithms struct {
	db inventorydb.DB
}

// NewAlgorithms creates an Algorithms registry over db, ensuring the
// default algorithm is registered.
func NewAlgorithms(ctx context.Context, db inventorydb.DB) (*Algorithms, error) {
	a := &Algorithms{db: db}
	if err := a.Register(ctx, string(root.DefaultAlgorithm)); err != nil {
		return nil, err
	}
	return a, nil
}

// Register registers name, a no-op if already present.
func (a *Algorithms) Register(ctx context.Context, name string) error {
	return a.db.RegisterAlgorithm(ctx, name)
}
