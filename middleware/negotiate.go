package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// MediaType is a response representation the gateway can produce
type MediaType string

const (
	MediaTypeHTML MediaType = "text/html"
	MediaTypeJSON MediaType = "application/json"
)

// supportedMediaTypes is ordered by preference; the first entry wins ties
var supportedMediaTypes = []MediaType{MediaTypeHTML, MediaTypeJSON}

// acceptRange is one parsed entry of an Accept header
type acceptRange struct {
	typ     string
	subtype string
	q       float64
	index   int
}

// specificity ranks how precisely a range matches the given media type:
// 3 for an exact match, 2 for type/*, 1 for */*, 0 for no match.
func (a acceptRange) specificity(mt MediaType) int {
	typ, subtype, _ := strings.Cut(string(mt), "/")
	switch {
	case a.typ == typ && a.subtype == subtype:
		return 3
	case a.typ == typ && a.subtype == "*":
		return 2
	case a.typ == "*" && a.subtype == "*":
		return 1
	default:
		return 0
	}
}

// NegotiateRequest picks the preferred media type for r
func NegotiateRequest(r *http.Request) MediaType {
	return Negotiate(strings.Join(r.Header.Values("Accept"), ","))
}

// Negotiate picks the client's preferred media type among the supported ones.
// Offers are ranked by q value, then by how specific the matching range is,
// then by the position of that range in the header. Anything that leaves the
// choice open, including an absent or unparseable header, resolves to text/html.
func Negotiate(accept string) MediaType {
	ranges := parseAccept(accept)
	if len(ranges) == 0 {
		return MediaTypeHTML
	}

	best := MediaTypeHTML
	bestQ, bestSpec, bestIndex := 0.0, 0, len(ranges)
	for _, offer := range supportedMediaTypes {
		match, ok := bestMatch(ranges, offer)
		if !ok || match.q == 0 {
			continue
		}
		spec := match.specificity(offer)
		if match.q > bestQ ||
			(match.q == bestQ && spec > bestSpec) ||
			(match.q == bestQ && spec == bestSpec && match.index < bestIndex) {
			best, bestQ, bestSpec, bestIndex = offer, match.q, spec, match.index
		}
	}
	return best
}

// bestMatch returns the most specific range matching mt
func bestMatch(ranges []acceptRange, mt MediaType) (acceptRange, bool) {
	var (
		match acceptRange
		spec  int
	)
	for _, r := range ranges {
		if s := r.specificity(mt); s > spec {
			match, spec = r, s
		}
	}
	return match, spec > 0
}

// parseAccept parses a comma separated list of media ranges. Entries that are
// not of the form type/subtype or carry an invalid q value are skipped.
func parseAccept(header string) []acceptRange {
	if strings.TrimSpace(header) == "" {
		return nil
	}

	var ranges []acceptRange
	for i, part := range strings.Split(header, ",") {
		fields := strings.Split(part, ";")
		typ, subtype, ok := strings.Cut(strings.ToLower(strings.TrimSpace(fields[0])), "/")
		if !ok || typ == "" || subtype == "" || (typ == "*" && subtype != "*") {
			continue
		}

		q, valid := 1.0, true
		for _, param := range fields[1:] {
			key, value, _ := strings.Cut(strings.TrimSpace(param), "=")
			if strings.ToLower(strings.TrimSpace(key)) != "q" {
				continue
			}
			parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			if err != nil || parsed < 0 || parsed > 1 {
				valid = false
				break
			}
			q = parsed
		}
		if !valid {
			continue
		}

		ranges = append(ranges, acceptRange{typ: typ, subtype: subtype, q: q, index: i})
	}
	return ranges
}
