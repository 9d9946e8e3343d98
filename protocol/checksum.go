package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// Checksum is a bucket checksum as received from the sync service.
//
// Checksums are unsigned 32-bit integers and adding them is a wrapping add.
// The service encodes them as decimal numbers without modular reduction, so
// decoding takes the value mod 2³².
type Checksum uint32

// Add returns the wrapping sum of both checksums.
func (c Checksum) Add(other Checksum) Checksum { return c + other }

// Sub returns the wrapping difference of both checksums.
func (c Checksum) Sub(other Checksum) Checksum { return c - other }

// String formats the checksum as a zero-padded hex literal, eg "0x000004d2".
func (c Checksum) String() string { return fmt.Sprintf("0x%08x", uint32(c)) }

// SignedBits reinterprets the checksum as a signed 32-bit integer, which is
// how checksum accumulators are stored in ps_buckets and ps_oplog.
func (c Checksum) SignedBits() int64 { return int64(int32(uint32(c))) }

// ChecksumFromSigned is the inverse of SignedBits.
func ChecksumFromSigned(v int64) Checksum { return Checksum(uint32(v)) }

func (c Checksum) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(uint32(c)), 10)), nil
}

func (c *Checksum) UnmarshalJSON(data []byte) error {
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		var f float64
		if err2 := json.Unmarshal(data, &f); err2 != nil {
			return fmt.Errorf("invalid checksum %s", data)
		}
		v = int64(f)
	}
	*c = Checksum(uint32(v))
	return nil
}

// UnmarshalBSONValue accepts the int32, int64 and double encodings a BSON
// writer may pick for a numeric checksum.
func (c *Checksum) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	var rv = bson.RawValue{Type: t, Value: data}
	switch t {
	case bsontype.Int32:
		*c = Checksum(uint32(rv.Int32()))
	case bsontype.Int64:
		*c = Checksum(uint32(rv.Int64()))
	case bsontype.Double:
		*c = Checksum(uint32(int64(rv.Double())))
	default:
		return fmt.Errorf("invalid BSON type %s for checksum", t)
	}
	return nil
}
