// Package canonical turns a claim's semantic fields into one reproducible
// byte string.
//
// The encoding is a JSON object written key by key in a fixed order, with
// strings trimmed and escaped the way String.prototype.trim and
// JSON.stringify do, so a verifier in any language can rebuild the same
// bytes from the same fields. Attachments are ordered by byte comparison,
// never by locale collation.
package canonical

import (
	"bytes"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/autotrust/autotrust/pkg/claim"
)

// NormalizeAttachments trims every attachment, drops entries without a URL
// and orders the rest by URL in byte order. Sizes pass through unchanged so
// validation can still see a negative one.
func NormalizeAttachments(in []claim.Attachment) []claim.Attachment {
	out := make([]claim.Attachment, 0, len(in))
	for _, a := range in {
		n := claim.Attachment{
			URL:          clean(a.URL),
			OriginalName: clean(a.OriginalName),
			MimeType:     clean(a.MimeType),
			Size:         a.Size,
		}
		if n.URL == "" {
			continue
		}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.URL != b.URL {
			return a.URL < b.URL
		}
		if a.OriginalName != b.OriginalName {
			return a.OriginalName < b.OriginalName
		}
		if a.MimeType != b.MimeType {
			return a.MimeType < b.MimeType
		}
		return a.Size < b.Size
	})
	return out
}

// Canonicalize is total and deterministic; callers validate required fields
// first.
func Canonicalize(f claim.Fields) []byte {
	var b bytes.Buffer
	b.WriteByte('{')
	writeField(&b, "carId", f.CarID, false)
	writeField(&b, "category", string(f.Category), true)
	writeField(&b, "statement", f.Statement, true)
	writeField(&b, "evidenceSummary", f.EvidenceSummary, true)
	writeField(&b, "evidenceUrl", f.EvidenceURL, true)

	b.WriteString(`,"attachments":[`)
	for i, a := range NormalizeAttachments(f.Attachments) {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('{')
		writeField(&b, "url", a.URL, false)
		writeField(&b, "originalName", a.OriginalName, true)
		writeField(&b, "mimeType", a.MimeType, true)
		b.WriteString(`,"size":`)
		b.WriteString(strconv.FormatInt(max(a.Size, 0), 10))
		b.WriteByte('}')
	}
	b.WriteByte(']')

	writeField(&b, "contributorType", string(f.Contributor.Type), true)
	writeField(&b, "contributorDisplayName", f.Contributor.DisplayName, true)
	writeField(&b, "contributorWallet", f.Contributor.Wallet, true)
	b.WriteByte('}')
	return b.Bytes()
}

// String is Canonicalize as a string, the form stored next to the claim.
func String(f claim.Fields) string {
	return string(Canonicalize(f))
}

func clean(s string) string {
	return claim.TrimSpace(strings.ToValidUTF8(s, "�"))
}

func writeField(b *bytes.Buffer, key, value string, comma bool) {
	if comma {
		b.WriteByte(',')
	}
	writeString(b, key)
	b.WriteByte(':')
	writeString(b, clean(value))
}

const hexDigits = "0123456789abcdef"

func writeString(b *bytes.Buffer, s string) {
	b.WriteByte('"')
	for i := 0; i < len(s); {
		c := s[i]
		if c >= utf8.RuneSelf {
			_, size := utf8.DecodeRuneInString(s[i:])
			b.WriteString(s[i : i+size])
			i += size
			continue
		}
		switch c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if c < 0x20 {
				b.WriteString(`\u00`)
				b.WriteByte(hexDigits[c>>4])
				b.WriteByte(hexDigits[c&0xf])
			} else {
				b.WriteByte(c)
			}
		}
		i++
	}
	b.WriteByte('"')
}
