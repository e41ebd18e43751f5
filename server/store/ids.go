package store

import (
	"strconv"

	sf "github.com/tinode/snowflake"
)

// ID generation: time-ordered snowflake ids, worker number taken from the
// node's position in the cluster registry.
var idGen *sf.SnowFlake

// InitIDs seeds the generator. Must be called once before NextID.
func InitIDs(workerID uint) error {
	gen, err := sf.NewSnowFlake(uint32(workerID))
	if err != nil {
		return err
	}
	idGen = gen
	return nil
}

// NextID returns a new cluster-unique, roughly time-ordered id.
func NextID() string {
	id, err := idGen.Next()
	if err != nil {
		// The generator only fails on clock skew; retry once after it
		// resynchronizes.
		id, err = idGen.Next()
		if err != nil {
			panic("store: id generation failed: " + err.Error())
		}
	}
	return strconv.FormatUint(id, 32)
}
