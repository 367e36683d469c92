package pseudonym

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finsight/internal/token"
	"finsight/internal/types"
)

func newTestPseudonymizer(t *testing.T, ttl time.Duration) (*Pseudonymizer, token.Store) {
	t.Helper()
	store := token.NewMemoryStore(time.Hour)
	t.Cleanup(func() { store.Close() })
	p := New(Config{Secret: "test-secret", MappingTTL: ttl}, store)
	t.Cleanup(func() { _ = p.Close() })
	return p, store
}

func sampleRecord() types.Record {
	return types.Record{
		"customer_name": "Jane Smith",
		"email":         "jane@gmail.com",
		"balance":       1520.75,
		"transactions": []any{
			map[string]any{
				"account_number": "9876543210",
				"amount":         250.0,
				"merchant":       "Acme Corp",
			},
		},
	}
}

func TestPseudonymizeRedactsKnownFields(t *testing.T) {
	p, _ := newTestPseudonymizer(t, time.Hour)

	redacted, mapping, summary, err := p.Pseudonymize(context.Background(), sampleRecord())
	require.NoError(t, err)
	require.NotEmpty(t, mapping.PseudonymID)

	assert.True(t, strings.HasPrefix(redacted["customer_name"].(string), "USER_"))
	assert.True(t, strings.HasPrefix(redacted["email"].(string), "EMAIL_"))
	assert.Contains(t, redacted["email"].(string), "@anon.personal")

	txn := redacted["transactions"].([]any)[0].(map[string]any)
	assert.True(t, strings.HasPrefix(txn["account_number"].(string), "ACCT_"))

	// Business values pass through untouched.
	assert.Equal(t, 1520.75, redacted["balance"])
	assert.Equal(t, 250.0, txn["amount"])

	assert.Equal(t, 1, summary.CountsByKind[types.PIIName])
	assert.Equal(t, 1, summary.CountsByKind[types.PIIBankAccount])
}

func TestPseudonymizeDoesNotMutateInput(t *testing.T) {
	p, _ := newTestPseudonymizer(t, time.Hour)
	record := sampleRecord()

	_, _, _, err := p.Pseudonymize(context.Background(), record)
	require.NoError(t, err)

	assert.Equal(t, "Jane Smith", record["customer_name"])
	txn := record["transactions"].([]any)[0].(map[string]any)
	assert.Equal(t, "9876543210", txn["account_number"])
}

func TestTokensAreDeterministicPerSecret(t *testing.T) {
	a := NewTokenizer("secret-a")
	b := NewTokenizer("secret-b")

	assert.Equal(t, a.Token(types.PIIName, "Jane Smith"), a.Token(types.PIIName, "Jane Smith"))
	assert.NotEqual(t, a.Token(types.PIIName, "Jane Smith"), b.Token(types.PIIName, "Jane Smith"))
	assert.NotEqual(t, a.Token(types.PIIName, "Jane Smith"), a.Token(types.PIIName, "John Smith"))
	assert.NotEqual(t, a.Token(types.PIIName, "same"), a.Token(types.PIIUsername, "same"))
}

func TestContentDetectionWithoutFieldHint(t *testing.T) {
	p, _ := newTestPseudonymizer(t, time.Hour)

	redacted, _, _, err := p.Pseudonymize(context.Background(), types.Record{
		"note_field": "jane.doe@example.org",
		"other":      "123-45-6789",
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(redacted["note_field"].(string), "EMAIL_"))
	assert.True(t, strings.HasPrefix(redacted["other"].(string), "SSN_"))
}

func TestRepersonalizeRoundTrip(t *testing.T) {
	p, _ := newTestPseudonymizer(t, time.Hour)
	original := sampleRecord()

	_, mapping, _, err := p.Pseudonymize(context.Background(), original)
	require.NoError(t, err)

	restored, err := p.Repersonalize(context.Background(), mapping.PseudonymID)
	require.NoError(t, err)

	assert.Equal(t, "Jane Smith", restored["customer_name"])
	assert.Equal(t, "jane@gmail.com", restored["email"])
	txn := restored["transactions"].([]any)[0].(map[string]any)
	assert.Equal(t, "9876543210", txn["account_number"])
}

func TestRepersonalizeUnknownID(t *testing.T) {
	p, _ := newTestPseudonymizer(t, time.Hour)

	_, err := p.Repersonalize(context.Background(), "never-issued")
	assert.ErrorIs(t, err, ErrUnknownID)
}

func TestRepersonalizeExpiredMapping(t *testing.T) {
	p, store := newTestPseudonymizer(t, 10*time.Millisecond)
	ctx := context.Background()

	_, mapping, _, err := p.Pseudonymize(ctx, sampleRecord())
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	_, err = p.Repersonalize(ctx, mapping.PseudonymID)
	assert.ErrorIs(t, err, ErrExpired)

	// The store retains the mapping past its logical TTL, so expiry is
	// distinguishable from an id that was never issued.
	_, err = store.Get(ctx, mapping.PseudonymID)
	assert.NoError(t, err)
}

func TestPseudonymizeTransformsSortedByPath(t *testing.T) {
	p, _ := newTestPseudonymizer(t, time.Hour)

	_, mapping, _, err := p.Pseudonymize(context.Background(), sampleRecord())
	require.NoError(t, err)
	require.NotEmpty(t, mapping.Transforms)

	paths := make([]string, len(mapping.Transforms))
	for i, tr := range mapping.Transforms {
		paths[i] = tr.Path
	}
	assert.True(t, sort.StringsAreSorted(paths), "field_transforms must be ordered by path: %v", paths)
}

func TestRepersonalizeDetectsTampering(t *testing.T) {
	p, store := newTestPseudonymizer(t, time.Hour)
	ctx := context.Background()

	_, mapping, _, err := p.Pseudonymize(ctx, sampleRecord())
	require.NoError(t, err)

	// Rewrite the stored mapping with a forged original.
	tampered := *mapping
	tampered.Transforms = make([]FieldTransform, len(mapping.Transforms))
	copy(tampered.Transforms, mapping.Transforms)
	tampered.Transforms[0].Original = "Someone Else"
	data := mustMarshal(t, &tampered)
	require.NoError(t, store.Put(ctx, mapping.PseudonymID, data, time.Hour))

	_, err = p.Repersonalize(ctx, mapping.PseudonymID)
	assert.ErrorIs(t, err, ErrIntegrity)

	// The mapping is quarantined, not replayable.
	_, err = p.Repersonalize(ctx, mapping.PseudonymID)
	assert.ErrorIs(t, err, ErrUnknownID)
}

func TestRepersonalizeText(t *testing.T) {
	p, _ := newTestPseudonymizer(t, time.Hour)
	ctx := context.Background()

	redacted, mapping, _, err := p.Pseudonymize(ctx, sampleRecord())
	require.NoError(t, err)

	nameToken := redacted["customer_name"].(string)
	analysis := "The account held by " + nameToken + " shows regular activity. " + nameToken + " should review the flagged charge."

	restored, err := p.RepersonalizeText(ctx, mapping.PseudonymID, analysis)
	require.NoError(t, err)
	assert.NotContains(t, restored, nameToken)
	assert.Equal(t, 2, strings.Count(restored, "Jane Smith"))
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestDetectByContentConfidenceThreshold(t *testing.T) {
	// Postal-code shaped strings carry low confidence and need a permissive
	// threshold to match.
	_, matched := detectByContent("12345", 0.5)
	assert.False(t, matched)

	kind, matched := detectByContent("12345", 0.3)
	assert.True(t, matched)
	assert.Equal(t, types.PIIPostalCode, kind)

	kind, matched = detectByContent("jane@corp.example.com", 0.9)
	assert.True(t, matched)
	assert.Equal(t, types.PIIEmail, kind)
}

func TestSetPathNestedArrays(t *testing.T) {
	root := map[string]any{
		"transactions": []any{
			map[string]any{"payee": "TOKEN"},
		},
	}
	require.NoError(t, setPath(root, "transactions[0].payee", "Original Payee"))
	assert.Equal(t, "Original Payee",
		root["transactions"].([]any)[0].(map[string]any)["payee"])

	assert.Error(t, setPath(root, "transactions[5].payee", "x"))
	assert.Error(t, setPath(root, "missing.path", "x"))
}
