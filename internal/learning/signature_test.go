package learning

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"finsight/internal/types"
)

func TestSignatureIsOrderIndependent(t *testing.T) {
	a := Signature(types.Record{"amount": 100.0, "merchant": "Acme", "type": "debit"}, "banking")
	b := Signature(types.Record{"type": "debit", "amount": 100.0, "merchant": "Acme"}, "banking")
	assert.Equal(t, a, b)
}

func TestSignatureBucketsAmounts(t *testing.T) {
	a := Signature(types.Record{"amount": 4800.0}, "banking")
	b := Signature(types.Record{"amount": 5200.0}, "banking")
	c := Signature(types.Record{"amount": 50.0}, "banking")

	assert.Equal(t, a, b, "same order of magnitude fingerprints identically")
	assert.NotEqual(t, a, c, "different magnitudes fingerprint differently")
}

func TestSignatureTruncatesDates(t *testing.T) {
	a := Signature(types.Record{"posted": "2026-03-14T09:30:00Z"}, "banking")
	b := Signature(types.Record{"posted": "2026-03-14T17:45:12Z"}, "banking")
	c := Signature(types.Record{"posted": "2026-03-15T09:30:00Z"}, "banking")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestSignatureNormalizesStrings(t *testing.T) {
	a := Signature(types.Record{"merchant": "  ACME Corp "}, "banking")
	b := Signature(types.Record{"merchant": "acme corp"}, "banking")
	assert.Equal(t, a, b)
}

func TestSignatureCarriesContext(t *testing.T) {
	record := types.Record{"amount": 100.0}
	assert.NotEqual(t, Signature(record, "banking"), Signature(record, "lending"))
	assert.Contains(t, Signature(record, "Banking"), "ctx=banking;")
}

func TestSignatureBounded(t *testing.T) {
	huge := types.Record{}
	for i := 0; i < 500; i++ {
		huge[string(rune('a'+i%26))+string(rune('0'+i%10))+"field"] = "some repetitive value used to inflate the record size"
	}
	sig := Signature(huge, "generic")
	assert.LessOrEqual(t, len(sig), 2048)
}

func TestBucketNumber(t *testing.T) {
	assert.Equal(t, "num:0", bucketNumber(0))
	assert.Equal(t, "num:1e3", bucketNumber(4800))
	assert.Equal(t, "num:1e3", bucketNumber(5200))
	assert.Equal(t, "num:1e1", bucketNumber(50))
	assert.Equal(t, "num:-1e2", bucketNumber(-250))
}
