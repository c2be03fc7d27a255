package domain

// BlockRef identifies a block on the chain.
type BlockRef struct {
	Number uint64
	ID     string
}
