package store

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

type Stores struct {
	pool *pgxpool.Pool
}

func NewStores(pool *pgxpool.Pool) *Stores {
	return &Stores{pool: pool}
}

func (s *Stores) Discussions() DiscussionStore {
	return newDiscussionStore(s.pool)
}

func (s *Stores) Flows() FlowStore {
	return newFlowStore(s.pool)
}
