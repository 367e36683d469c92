// Package pseudonym implements deterministic, reversible de-identification of
// sensitive fields. Detection runs two channels: a field-name lexicon per PII
// kind and content regexes over string leaves. Tokens are keyed HMAC digests
// with a stable per-kind prefix, so the same (kind, value, secret) always
// yields the same token and the prefix identifies the class.
package pseudonym

import (
	"regexp"
	"strings"

	"finsight/internal/types"
)

// lexicon maps normalized field names to the PII kind they carry.
// Field names are matched after lowercasing and stripping [_ -] so that
// "customerId", "customer_id", and "Customer-ID" all hit the same entry.
var lexicon = map[string]types.PIIKind{
	"name":            types.PIIName,
	"fullname":        types.PIIName,
	"firstname":       types.PIIName,
	"lastname":        types.PIIName,
	"accountholder":   types.PIIName,
	"contactname":     types.PIIName,
	"customername":    types.PIIName,
	"email":           types.PIIEmail,
	"emailaddress":    types.PIIEmail,
	"phone":           types.PIIPhone,
	"phonenumber":     types.PIIPhone,
	"mobile":          types.PIIPhone,
	"fax":             types.PIIPhone,
	"ssn":             types.PIISSN,
	"socialsecurity":  types.PIISSN,
	"passport":        types.PIIPassport,
	"passportno":      types.PIIPassport,
	"driverlicense":   types.PIIDriverLicense,
	"driverslicense":  types.PIIDriverLicense,
	"nationalid":      types.PIINationalID,
	"address":         types.PIIStreetAddress,
	"street":          types.PIIStreetAddress,
	"streetaddress":   types.PIIStreetAddress,
	"billingaddress":  types.PIIStreetAddress,
	"shippingaddress": types.PIIStreetAddress,
	"zip":             types.PIIPostalCode,
	"zipcode":         types.PIIPostalCode,
	"postalcode":      types.PIIPostalCode,
	"postcode":        types.PIIPostalCode,
	"ip":              types.PIIIPAddress,
	"ipaddress":       types.PIIIPAddress,
	"creditcard":      types.PIICreditCard,
	"cardnumber":      types.PIICreditCard,
	"ccnumber":        types.PIICreditCard,
	"bankaccount":     types.PIIBankAccount,
	"accountnumber":   types.PIIBankAccount,
	"accountno":       types.PIIBankAccount,
	"routing":         types.PIIRouting,
	"routingnumber":   types.PIIRouting,
	"aba":             types.PIIRouting,
	"iban":            types.PIIIBAN,
	"swift":           types.PIISWIFT,
	"swiftcode":       types.PIISWIFT,
	"bic":             types.PIISWIFT,
	"username":        types.PIIUsername,
	"login":           types.PIIUsername,
	"medicalrecordno": types.PIIMedicalRecord,
	"mrn":             types.PIIMedicalRecord,
	"vin":             types.PIIVIN,
	"gps":             types.PIIGPS,
	"coordinates":     types.PIIGPS,
	"latlong":         types.PIIGPS,
	"biometric":       types.PIIBiometric,
	"fingerprint":     types.PIIBiometric,
	"customerid":      types.PIICustomerID,
	"custid":          types.PIICustomerID,
	"clientid":        types.PIICustomerID,
	"employeeid":      types.PIIEmployeeID,
	"empid":           types.PIIEmployeeID,
}

// contentPattern pairs a compiled regex with its kind and a base confidence.
// Looser patterns get lower confidence so the configured threshold can keep
// them out of aggressive deployments.
type contentPattern struct {
	re         *regexp.Regexp
	kind       types.PIIKind
	confidence float64
}

var contentPatterns = []contentPattern{
	{regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`), types.PIIEmail, 0.99},
	{regexp.MustCompile(`^\+?1?[\-.\s]?\(?\d{3}\)?[\-.\s]?\d{3}[\-.\s]?\d{4}$`), types.PIIPhone, 0.90},
	{regexp.MustCompile(`^\d{3}-\d{2}-\d{4}$`), types.PIISSN, 0.95},
	{regexp.MustCompile(`^(?:\d{4}[\-\s]?){3}\d{4}$`), types.PIICreditCard, 0.90},
	{regexp.MustCompile(`^(?:[0-9]{1,3}\.){3}[0-9]{1,3}$`), types.PIIIPAddress, 0.90},
	{regexp.MustCompile(`^[A-Z]{2}\d{2}[A-Z0-9]{11,30}$`), types.PIIIBAN, 0.90},
	{regexp.MustCompile(`^[A-Z]{6}[A-Z0-9]{2}(?:[A-Z0-9]{3})?$`), types.PIISWIFT, 0.60},
	{regexp.MustCompile(`(?i)^\d+\s+[A-Za-z0-9.\s]+(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct)\.?$`), types.PIIStreetAddress, 0.85},
	{regexp.MustCompile(`^\d{5}(?:-\d{4})?$`), types.PIIPostalCode, 0.40},
	{regexp.MustCompile(`^[A-HJ-NPR-Z0-9]{17}$`), types.PIIVIN, 0.60},
	{regexp.MustCompile(`^-?\d{1,3}\.\d{3,},\s*-?\d{1,3}\.\d{3,}$`), types.PIIGPS, 0.85},
	{regexp.MustCompile(`^\d{9}$`), types.PIIRouting, 0.40},
}

// normalizeFieldName lowercases and strips separators for lexicon lookup.
func normalizeFieldName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch r {
		case '_', '-', ' ', '.':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// detectByName returns the kind implied by a field name, if any.
func detectByName(field string) (types.PIIKind, bool) {
	kind, ok := lexicon[normalizeFieldName(field)]
	return kind, ok
}

// detectByContent returns the highest-confidence kind whose regex matches the
// whole value, provided it clears the threshold.
func detectByContent(value string, threshold float64) (types.PIIKind, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", false
	}

	var best types.PIIKind
	bestConf := 0.0
	for _, p := range contentPatterns {
		if p.confidence >= threshold && p.confidence > bestConf && p.re.MatchString(trimmed) {
			best = p.kind
			bestConf = p.confidence
		}
	}
	return best, bestConf > 0
}
