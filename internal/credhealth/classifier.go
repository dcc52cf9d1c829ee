package credhealth

import "strings"

// Classifier decides whether a venue error message is a definitive
// invalid-credential failure. Venues report these as free text, so
// matching is substring-based and per venue: a signature must be
// unambiguous for its venue before it earns a place here, otherwise a
// transient error could quarantine a working credential.
type Classifier func(venue, errText string) bool

// invalidCredentialSignatures holds the per-venue matcher tables.
var invalidCredentialSignatures = map[string][]string{
	"binance": {
		"invalid api-key",
		"api-key format invalid",
		"signature for this request is not valid",
		"invalid api key",
		"api key does not exist",
	},
	"bybit": {
		"api key is invalid",
		"invalid api_key",
		"api key expired",
		"error sign",
		"unmatched ip",
	},
}

// DefaultClassifier matches against the built-in per-venue tables.
func DefaultClassifier() Classifier {
	return func(venue, errText string) bool {
		signatures, ok := invalidCredentialSignatures[strings.ToLower(venue)]
		if !ok {
			return false
		}
		text := strings.ToLower(errText)
		for _, sig := range signatures {
			if strings.Contains(text, sig) {
				return true
			}
		}
		return false
	}
}
