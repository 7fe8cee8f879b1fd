package id

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node    *snowflake.Node
	initErr error
	once    sync.Once
)

// Init initializes the Snowflake node with the given node ID. Only the first
// call has an effect.
func Init(nodeID int64) error {
	once.Do(func() {
		node, initErr = snowflake.NewNode(nodeID)
	})
	return initErr
}

// New generates a new time-ordered int64 ID. It falls back to node 0 when Init
// was never called.
func New() int64 {
	if err := Init(0); err != nil {
		panic("id: snowflake node unavailable: " + err.Error())
	}
	return node.Generate().Int64()
}
