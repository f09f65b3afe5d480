package syncache

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// IDGenerator hands out record identifiers. Collisions are tolerated: the
// manager writes with create-if-absent and asks again.
type IDGenerator interface {
	NextID() int64
}

type snowflakeIDs struct{ node *snowflake.Node }

// NewSnowflakeIDs returns a generator for node (0..1023). Processes sharing a
// remote store should use distinct nodes.
func NewSnowflakeIDs(node int64) (IDGenerator, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("syncache: snowflake node %d: %w", node, err)
	}
	return snowflakeIDs{node: n}, nil
}

func (s snowflakeIDs) NextID() int64 { return s.node.Generate().Int64() }
