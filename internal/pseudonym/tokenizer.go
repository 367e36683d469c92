package pseudonym

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"finsight/internal/types"
)

// tokenHexLen is how many hex characters of the HMAC digest appear in a token.
const tokenHexLen = 12

// Tokenizer derives deterministic pseudonym tokens. Same (kind, value,
// secret) always produces the same token; different secrets produce disjoint
// token spaces.
type Tokenizer struct {
	secret []byte
}

// NewTokenizer creates a tokenizer keyed by the deployment secret.
func NewTokenizer(secret string) *Tokenizer {
	return &Tokenizer{secret: []byte(secret)}
}

// digest computes the keyed hash for (kind, value).
func (t *Tokenizer) digest(kind types.PIIKind, value string) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(kind))
	mac.Write([]byte{0}) // domain separator between kind and value
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))[:tokenHexLen]
}

// Token produces the prefixed pseudonym for a value of the given kind.
// Prefixes are stable: callers may rely on them to recognize classes.
func (t *Tokenizer) Token(kind types.PIIKind, value string) string {
	h := t.digest(kind, value)
	switch kind {
	case types.PIIName:
		return "USER_" + h
	case types.PIIEmail:
		return fmt.Sprintf("EMAIL_%s@anon.%s", h, emailDomainClass(value))
	case types.PIIPhone:
		return "PHONE_" + h
	case types.PIISSN:
		return "SSN_" + h
	case types.PIIPassport:
		return "PASSPORT_" + h
	case types.PIIDriverLicense:
		return "DLIC_" + h
	case types.PIINationalID:
		return "NATID_" + h
	case types.PIIStreetAddress:
		return "ADDR_" + h
	case types.PIIPostalCode:
		return "POSTAL_" + h
	case types.PIIIPAddress:
		return "IP_" + h
	case types.PIICreditCard:
		return "CARD_" + h
	case types.PIIBankAccount:
		return "ACCT_" + h
	case types.PIIRouting:
		return "ROUTING_" + h
	case types.PIIIBAN:
		return "IBAN_" + h
	case types.PIISWIFT:
		return "SWIFT_" + h
	case types.PIIUsername:
		return "UNAME_" + h
	case types.PIIMedicalRecord:
		return "MRN_" + h
	case types.PIIVIN:
		return "VIN_" + h
	case types.PIIGPS:
		return "GPS_" + h
	case types.PIIBiometric:
		return "BIO_" + h
	case types.PIICustomerID:
		return "CUST_" + h
	case types.PIIEmployeeID:
		return "EMP_" + h
	}
	return "PII_" + h
}

// Verify recomputes the token for an original value and compares it to the
// stored token. Used by repersonalization to detect tampered mappings.
func (t *Tokenizer) Verify(kind types.PIIKind, original, token string) bool {
	return t.Token(kind, original) == token
}

// emailDomainClass buckets the original email's domain so the anonymized
// address reveals the domain class but not its value.
func emailDomainClass(value string) string {
	at := strings.LastIndex(value, "@")
	if at < 0 || at == len(value)-1 {
		return "example"
	}
	domain := strings.ToLower(value[at+1:])
	switch {
	case strings.HasSuffix(domain, ".gov"):
		return "gov"
	case strings.HasSuffix(domain, ".edu"):
		return "edu"
	case strings.HasSuffix(domain, ".org"):
		return "org"
	default:
		switch domain {
		case "gmail.com", "yahoo.com", "hotmail.com", "outlook.com", "icloud.com", "aol.com", "proton.me", "protonmail.com":
			return "personal"
		}
		return "corp"
	}
}
