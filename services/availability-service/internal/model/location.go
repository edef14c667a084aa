package model

import (
	"regexp"
	"strings"
)

// Location is where an appointment or slot takes place. It is either a reference to a
// configured location or a free-text custom address.
type Location interface {
	isLocation()
}

type LocationRef struct {
	ID         string
	PostalCode string
}

type CustomAddress struct {
	Text string
}

func (LocationRef) isLocation()   {}
func (CustomAddress) isLocation() {}

var swissPostalCode = regexp.MustCompile(`\b([1-9][0-9]{3})\b`)

// PostalCodeExtractor resolves any Location to a normalized postal code.
type PostalCodeExtractor struct {
	pattern *regexp.Regexp
}

// NewPostalCodeExtractor compiles pattern; the first capture group (or the whole match when
// there is none) is the postal code. An empty pattern selects the 4-digit Swiss PLZ.
func NewPostalCodeExtractor(pattern string) (PostalCodeExtractor, error) {
	if strings.TrimSpace(pattern) == "" {
		return PostalCodeExtractor{pattern: swissPostalCode}, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return PostalCodeExtractor{}, err
	}
	return PostalCodeExtractor{pattern: re}, nil
}

// PostalCode returns "" when the location carries no recognizable postal code.
func (e PostalCodeExtractor) PostalCode(loc Location) string {
	switch l := loc.(type) {
	case LocationRef:
		return NormalizePostalCode(l.PostalCode)
	case *LocationRef:
		if l == nil {
			return ""
		}
		return e.PostalCode(*l)
	case CustomAddress:
		return e.extract(l.Text)
	case *CustomAddress:
		if l == nil {
			return ""
		}
		return e.extract(l.Text)
	default:
		return ""
	}
}

func (e PostalCodeExtractor) extract(text string) string {
	re := e.pattern
	if re == nil {
		re = swissPostalCode
	}
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	if len(m) > 1 && m[1] != "" {
		return NormalizePostalCode(m[1])
	}
	return NormalizePostalCode(m[0])
}

// PostalCode resolves loc with the default Swiss extractor.
func PostalCode(loc Location) string {
	return PostalCodeExtractor{pattern: swissPostalCode}.PostalCode(loc)
}

// NormalizePostalCode trims whitespace and upper-cases so "ch 8001 " style inputs compare equal.
func NormalizePostalCode(raw string) string {
	return strings.ToUpper(strings.Join(strings.Fields(raw), ""))
}

// OrderedPair returns the two postal codes in lexicographic order. Travel times are cached
// under the unordered pair.
func OrderedPair(a, b string) (string, string) {
	a, b = NormalizePostalCode(a), NormalizePostalCode(b)
	if b < a {
		return b, a
	}
	return a, b
}
