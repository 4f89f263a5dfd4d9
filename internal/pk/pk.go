// Package pk implements the canonical primary-key blob encoding of
// SPEC_FULL.md §6: a primary-key tuple is the quoted concatenation of each
// column's value, separated by the literal byte '|', using the same five
// token shapes the host engine's quote(x) function produces.
package pk

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/crsql-go/crsql/internal/errs"
	"github.com/crsql-go/crsql/internal/value"
)

const sep = '|'

// Encode packs a primary-key tuple into its canonical blob form.
func Encode(values []value.Value) []byte {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = v.Quote()
	}
	return []byte(strings.Join(parts, string(sep)))
}

// Decode parses a canonical pk blob back into its component values. It
// rejects any byte sequence that isn't exactly one of the five token
// shapes (NULL, integer, float, 'text', X'hex') per component, and
// requires the number of decoded parts to equal wantParts when wantParts
// is non-negative.
func Decode(blob []byte, wantParts int) ([]value.Value, error) {
	toks, err := tokenize(string(blob))
	if err != nil {
		return nil, errs.New(errs.KindMalformed, "pk.Decode", "", err)
	}
	if wantParts >= 0 && len(toks) != wantParts {
		return nil, errs.New(errs.KindMalformed, "pk.Decode", "",
			fmt.Errorf("expected %d pk components, got %d", wantParts, len(toks)))
	}
	out := make([]value.Value, len(toks))
	for i, tok := range toks {
		v, err := parseToken(tok)
		if err != nil {
			return nil, errs.New(errs.KindMalformed, "pk.Decode", "", err)
		}
		out[i] = v
	}
	return out, nil
}

// tokenize splits on unquoted '|', honoring '' escaping inside '...' text
// literals and treating X'...' blob literals as opaque spans too.
func tokenize(s string) ([]string, error) {
	var toks []string
	i := 0
	n := len(s)
	for {
		start := i
		switch {
		case i < n && s[i] == '\'':
			// text literal: '...' with '' as an escaped quote
			i++
			for i < n {
				if s[i] == '\'' {
					if i+1 < n && s[i+1] == '\'' {
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
		case i+1 < n && (s[i] == 'X' || s[i] == 'x') && s[i+1] == '\'':
			// blob literal: X'....'
			i += 2
			for i < n && s[i] != '\'' {
				i++
			}
			if i < n {
				i++
			}
		default:
			for i < n && s[i] != sep {
				i++
			}
		}
		toks = append(toks, s[start:i])
		if i >= n {
			break
		}
		if s[i] != sep {
			return nil, fmt.Errorf("pk: malformed token boundary at byte %d", i)
		}
		i++ // skip separator
	}
	return toks, nil
}

func parseToken(tok string) (value.Value, error) {
	switch {
	case tok == "NULL":
		return value.Null(), nil
	case len(tok) >= 3 && (tok[0] == 'X' || tok[0] == 'x') && tok[1] == '\'' && strings.HasSuffix(tok, "'"):
		raw := tok[2 : len(tok)-1]
		b, err := hex.DecodeString(raw)
		if err != nil {
			return value.Value{}, fmt.Errorf("pk: malformed blob literal %q: %w", tok, err)
		}
		return value.Blob(b), nil
	case len(tok) >= 2 && tok[0] == '\'' && strings.HasSuffix(tok, "'"):
		inner := tok[1 : len(tok)-1]
		return value.Text(strings.ReplaceAll(inner, "''", "'")), nil
	default:
		if i, err := strconv.ParseInt(tok, 10, 64); err == nil {
			return value.Int(i), nil
		}
		if f, err := strconv.ParseFloat(tok, 64); err == nil {
			return value.Float(f), nil
		}
		return value.Value{}, fmt.Errorf("pk: malformed token %q", tok)
	}
}
