package normalizer

import (
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/incidentd/internal/incident"
)

var envTokens = []struct {
	env    incident.Environment
	tokens []string
}{
	{incident.EnvProd, []string{"prod", "production", "main", "master"}},
	{incident.EnvStaging, []string{"stage", "staging", "stg"}},
	{incident.EnvDev, []string{"dev", "develop", "development"}},
}

// InferEnvironment matches whole tokens of the given hints (branch,
// namespace, application name) against known environment names. Earlier
// hints win; within a hint prod is checked before staging before dev.
func InferEnvironment(hints ...string) incident.Environment {
	for _, h := range hints {
		tokens := strings.FieldsFunc(strings.ToLower(h), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		set := make(map[string]struct{}, len(tokens))
		for _, t := range tokens {
			set[t] = struct{}{}
		}
		for _, e := range envTokens {
			for _, t := range e.tokens {
				if _, ok := set[t]; ok {
					return e.env
				}
			}
		}
	}
	return incident.EnvUnknown
}
