package sms

import (
	"unicode/utf16"

	"github.com/warthog618/sms/encoding/gsm7"
)

// Per-encoding segment limits. A single-segment message may use the full
// space; segments of a concatenated message lose room to the UDH header.
const (
	gsm7SingleLimit = 160
	gsm7MultiLimit  = 153
	ucs2SingleLimit = 70
	ucs2MultiLimit  = 67
)

// segmentLimit returns (single, multi) limits for an encoding, in encoding
// units: septets for GSM7, UTF-16 code units for UCS2.
func segmentLimit(enc Encoding) (single, multi int) {
	if enc == EncodingUCS2 {
		return ucs2SingleLimit, ucs2MultiLimit
	}
	return gsm7SingleLimit, gsm7MultiLimit
}

// gsm7Encodable reports whether the body fits the GSM 7-bit default
// alphabet (including its extension table).
func gsm7Encodable(body string) bool {
	_, err := gsm7.Encode([]byte(body))
	return err == nil
}

// chooseEncoding resolves EncodingAuto against the body.
func chooseEncoding(body string, requested Encoding) (Encoding, error) {
	switch requested {
	case EncodingGSM7:
		if !gsm7Encodable(body) {
			return 0, ErrNotEncodable
		}
		return EncodingGSM7, nil
	case EncodingUCS2:
		return EncodingUCS2, nil
	default:
		if gsm7Encodable(body) {
			return EncodingGSM7, nil
		}
		return EncodingUCS2, nil
	}
}

// runeWeight is the cost of one rune in encoding units: septets under GSM7
// (extension-table characters cost two), UTF-16 code units under UCS2
// (astral runes cost two).
func runeWeight(r rune, enc Encoding) int {
	if enc == EncodingUCS2 {
		return len(utf16.Encode([]rune{r}))
	}
	if septets, err := gsm7.Encode([]byte(string(r))); err == nil {
		return len(septets)
	}
	// Unreachable for validated bodies; count conservatively.
	return 2
}

// bodyWeight is the total cost of a body in encoding units.
func bodyWeight(body string, enc Encoding) int {
	w := 0
	for _, r := range body {
		w += runeWeight(r, enc)
	}
	return w
}

// split divides a body into segment bodies such that each segment fits the
// encoding's segment limit. A body within the single-segment limit yields
// exactly one segment; longer bodies are cut at the concatenated-segment
// limit, never inside a rune. Rejoining the returned bodies in order
// reproduces the original body exactly.
func split(body string, enc Encoding) []string {
	single, multi := segmentLimit(enc)
	if bodyWeight(body, enc) <= single {
		return []string{body}
	}

	var segments []string
	var cur []rune
	w := 0
	for _, r := range body {
		rw := runeWeight(r, enc)
		if w+rw > multi {
			segments = append(segments, string(cur))
			cur = cur[:0]
			w = 0
		}
		cur = append(cur, r)
		w += rw
	}
	if len(cur) > 0 {
		segments = append(segments, string(cur))
	}
	return segments
}
