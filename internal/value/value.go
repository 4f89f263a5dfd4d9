// Package value implements the tagged dynamic-value variant used for
// column values and primary-key components: null, int64, float64, text, or
// blob. Conflict resolution never inspects these — only clock metadata —
// but the changes feed and the pk codec both need a single representation
// that round-trips through database/sql.
package value

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Kind tags which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindText
	KindBlob
)

// Value is a tagged union over SQLite's storage classes, excluding the
// rarely-used "NULL with subtype" cases the merge core never produces.
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Text  string
	Blob  []byte
}

func Null() Value              { return Value{Kind: KindNull} }
func Int(v int64) Value        { return Value{Kind: KindInt, Int: v} }
func Float(v float64) Value    { return Value{Kind: KindFloat, Float: v} }
func Text(v string) Value      { return Value{Kind: KindText, Text: v} }
func Blob(v []byte) Value      { return Value{Kind: KindBlob, Blob: v} }

// FromDriver converts a database/sql scan result (as produced by scanning
// into an `any`/`sql.RawBytes`-free interface{}) into a Value.
func FromDriver(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null(), nil
	case int64:
		return Int(t), nil
	case float64:
		return Float(t), nil
	case string:
		return Text(t), nil
	case []byte:
		// database/sql hands back []byte for both TEXT and BLOB columns
		// depending on driver; callers that know the column is declared
		// TEXT (via IsTextAffinity on the column's PRAGMA table_info type)
		// should use FromDriverText instead so a TEXT column isn't
		// silently misencoded as a blob.
		return Blob(append([]byte(nil), t...)), nil
	case bool:
		if t {
			return Int(1), nil
		}
		return Int(0), nil
	default:
		return Value{}, fmt.Errorf("value: unsupported driver type %T", v)
	}
}

// FromDriverText is FromDriver except a []byte result is interpreted as
// KindText rather than KindBlob. Use it for columns whose declared type
// has TEXT affinity (see IsTextAffinity): the ncruces/go-sqlite3 driver
// can hand back []byte for a TEXT column when scanning into `any`, and
// without this a TEXT-typed primary key or value column would round-trip
// through pk.Encode/Quote as an X'...' blob literal instead of a string.
func FromDriverText(v any) (Value, error) {
	if b, ok := v.([]byte); ok {
		return Text(string(b)), nil
	}
	return FromDriver(v)
}

// IsTextAffinity applies SQLite's column affinity rules (see "Determination
// Of Column Affinity" in the SQLite documentation) to decide whether
// declType carries TEXT affinity: the declared type contains "CHAR",
// "CLOB", or "TEXT" anywhere (case-insensitively) and does not contain
// "INT". An empty/untyped declared type is also reported as TEXT here,
// although SQLite's own rule gives such a column BLOB affinity.
func IsTextAffinity(declType string) bool {
	t := strings.ToUpper(declType)
	if t == "" {
		return true
	}
	if strings.Contains(t, "INT") {
		return false
	}
	return strings.Contains(t, "CHAR") || strings.Contains(t, "CLOB") || strings.Contains(t, "TEXT")
}

// Driver returns the value in the shape database/sql expects for binding.
func (v Value) Driver() driver.Value {
	switch v.Kind {
	case KindNull:
		return nil
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindText:
		return v.Text
	case KindBlob:
		return v.Blob
	default:
		return nil
	}
}

// Quote renders v the way the host engine's quote(x) SQL function would:
// NULL, a bare signed integer, a decimal float, a single-quoted (and
// doubled-quote-escaped) text literal, or an X'hex' blob literal.
func (v Value) Quote() string {
	switch v.Kind {
	case KindNull:
		return "NULL"
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return formatSQLiteFloat(v.Float)
	case KindText:
		return "'" + strings.ReplaceAll(v.Text, "'", "''") + "'"
	case KindBlob:
		return "X'" + hex.EncodeToString(v.Blob) + "'"
	default:
		return "NULL"
	}
}

// formatSQLiteFloat mimics SQLite's quote() for REAL values: always a
// decimal point or exponent so the token is unambiguous with an integer on
// re-parse.
func formatSQLiteFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// Equal reports whether two values are the same kind and content. Used
// only by tests, never by conflict resolution itself.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindInt:
		return v.Int == o.Int
	case KindFloat:
		return v.Float == o.Float
	case KindText:
		return v.Text == o.Text
	case KindBlob:
		return string(v.Blob) == string(o.Blob)
	default:
		return false
	}
}
