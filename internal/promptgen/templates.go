// Package promptgen generates analysis prompts, preferring improved
// templates, then high-similarity reuse from the learning substrate, then
// fresh synthesis from the fixed context template set.
package promptgen

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"finsight/internal/types"
)

// sectionContract is appended to every prompt so responses always carry the
// two labeled sections the validator's structural criterion checks for.
const sectionContract = `Format your response with exactly two labeled sections, in this order:

Insights:
- (your key findings, grounded in the data above)

Recommendations:
- (your concrete, actionable recommendations)`

// contextTemplates is the fixed finite template set keyed by context tag.
// %s is replaced with the canonicalized record rendering. Synthesis is pure:
// the same record and context always produce the same prompt.
var contextTemplates = map[string]string{
	"banking": `You are a senior banking analyst. Review the following account and transaction data for liquidity, cash-flow patterns, and account health.

Data:
%s`,
	"lending": `You are a credit risk analyst. Assess the following applicant and transaction data for creditworthiness, repayment capacity, and lending risk factors.

Data:
%s`,
	"risk": `You are a financial risk officer. Examine the following records for fraud indicators, unusual transaction patterns, and compliance concerns.

Data:
%s`,
	"customer-service": `You are a customer relationship analyst. Review the following customer records to identify service issues, churn signals, and opportunities to improve the relationship.

Data:
%s`,
	"data-analysis": `You are a data analyst. Profile the following structured records: distributions, outliers, correlations, and data quality observations.

Data:
%s`,
	"generic": `You are a financial analyst. Analyze the following structured records and report the most important findings.

Data:
%s`,
}

// SynthesizeFresh builds a prompt from the context template set. Unknown
// context tags fall back to the generic template.
func SynthesizeFresh(record types.Record, contextTag string) string {
	tpl, ok := contextTemplates[strings.ToLower(strings.TrimSpace(contextTag))]
	if !ok {
		tpl = contextTemplates["generic"]
	}
	return fmt.Sprintf(tpl, renderRecord(record)) + "\n\n" + sectionContract
}

// RefillTemplate substitutes the current record into a reused prompt. The
// stored payload keeps its instruction framing; only the data block is
// replaced. When the payload carries no data marker the data block is
// appended, so a reused prompt always describes the live record.
func RefillTemplate(payload string, record types.Record) string {
	rendered := renderRecord(record)
	if idx := strings.Index(payload, "Data:\n"); idx >= 0 {
		head := payload[:idx]
		rest := payload[idx:]
		// Keep anything after the data block (the section contract and any
		// amendment blocks start at the first blank line after the data).
		tail := ""
		if cut := strings.Index(rest, "\n\n"); cut >= 0 {
			tail = rest[cut:]
		}
		return head + "Data:\n" + rendered + tail
	}
	return payload + "\n\nData:\n" + rendered + "\n\n" + sectionContract
}

// renderRecord produces a deterministic, human-readable rendering of a record
// for prompt bodies: sorted keys, stable nesting, JSON-encoded leaves.
func renderRecord(record types.Record) string {
	var b strings.Builder
	renderValue(&b, map[string]any(record), 0)
	return b.String()
}

func renderValue(b *strings.Builder, v any, depth int) {
	indent := strings.Repeat("  ", depth)
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			switch val[k].(type) {
			case map[string]any, []any:
				fmt.Fprintf(b, "%s%s:\n", indent, k)
				renderValue(b, val[k], depth+1)
			default:
				fmt.Fprintf(b, "%s%s: %s\n", indent, k, renderLeaf(val[k]))
			}
		}
	case []any:
		for i, item := range val {
			switch item.(type) {
			case map[string]any, []any:
				fmt.Fprintf(b, "%s- item %d:\n", indent, i)
				renderValue(b, item, depth+1)
			default:
				fmt.Fprintf(b, "%s- %s\n", indent, renderLeaf(item))
			}
		}
	default:
		fmt.Fprintf(b, "%s%s\n", indent, renderLeaf(v))
	}
}

func renderLeaf(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// KnownContexts lists the template set's context tags, sorted.
func KnownContexts() []string {
	out := make([]string, 0, len(contextTemplates))
	for k := range contextTemplates {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
