package storage

import (
	"hash/adler32"
	"os"

	"github.com/bwmarrin/snowflake"
)

const maxSnowflakeNode = 1 << 10

// CreateSnowflakeIdGenerator a new ID generator seeded from the process environment,
// constraints: processes with identical environments will create generators with the same node id
func CreateSnowflakeIdGenerator() *snowflake.Node {
	hash32 := adler32.New()
	for _, e := range os.Environ() {
		_, _ = hash32.Write([]byte(e))
	}
	node, err := NewSnowflakeIdGenerator(int64(hash32.Sum32() % maxSnowflakeNode))
	if err != nil {
		panic("can't initialize snowflake ID generator. Message: " + err.Error())
	}
	return node
}

// NewSnowflakeIdGenerator creates a generator for the given node id (0-1023).
func NewSnowflakeIdGenerator(nodeID int64) (*snowflake.Node, error) {
	return snowflake.NewNode(nodeID)
}
