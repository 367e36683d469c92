package enrich

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"finsight/internal/types"
)

func TestExtractEntitiesFromConventionalFields(t *testing.T) {
	got := ExtractEntities(types.Record{
		"merchant": "Acme Industrial Supply",
		"employer": "Globex Corporation",
		"amount":   125.0,
	})
	assert.Equal(t, []string{"Acme Industrial Supply", "Globex Corporation"}, got)
}

func TestExtractEntitiesBySuffixHeuristic(t *testing.T) {
	got := ExtractEntities(types.Record{
		"description": "Wire transfer to Initech LLC",
		"memo":        "payment received",
	})
	// Free text fields only match when the whole value looks like an org name.
	assert.Empty(t, got)

	got = ExtractEntities(types.Record{
		"counterparty_note": "Initech LLC",
	})
	assert.Equal(t, []string{"Initech LLC"}, got)
}

func TestExtractEntitiesSkipsPseudonymTokens(t *testing.T) {
	got := ExtractEntities(types.Record{
		"merchant":     "USER_a1b2c3d4e5f6",
		"company":      "ACCT_deadbeef0123",
		"counterparty": "Real Company Inc",
	})
	assert.Equal(t, []string{"Real Company Inc"}, got)
}

func TestExtractEntitiesDeduplicatesAndSorts(t *testing.T) {
	got := ExtractEntities(types.Record{
		"merchant": "Zeta Bank",
		"transactions": []any{
			map[string]any{"merchant": "Zeta Bank"},
			map[string]any{"merchant": "Alpha Holdings"},
		},
	})
	assert.Equal(t, []string{"Alpha Holdings", "Zeta Bank"}, got)
}

func TestIsPseudonymToken(t *testing.T) {
	assert.True(t, isPseudonymToken("USER_a1b2c3d4e5f6"))
	assert.True(t, isPseudonymToken("ACCT_0123456789ab"))
	assert.False(t, isPseudonymToken("Acme_Industries"))
	assert.False(t, isPseudonymToken("plain text"))
	assert.False(t, isPseudonymToken("USER_short"))
}
