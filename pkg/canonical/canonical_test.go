package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autotrust/autotrust/pkg/claim"
)

func sampleFields() claim.Fields {
	return claim.Fields{
		CarID:           "car_camry_2018",
		Category:        claim.CategoryReliability,
		Statement:       "Transmission slips above 60k miles",
		EvidenceSummary: "Dealer invoice attached",
		EvidenceURL:     "https://example.com/invoice",
		Attachments: []claim.Attachment{
			{URL: "https://b", OriginalName: "b.pdf", MimeType: "application/pdf", Size: 20},
			{URL: "https://a", OriginalName: "a.jpg", MimeType: "image/jpeg", Size: 10},
		},
		Contributor: claim.Contributor{Type: claim.RoleMechanic, DisplayName: "Sam", Wallet: "W1"},
	}
}

func TestCanonicalizeMatchesFixedLayout(t *testing.T) {
	got := String(sampleFields())
	want := `{"carId":"car_camry_2018","category":"reliability","statement":"Transmission slips above 60k miles",` +
		`"evidenceSummary":"Dealer invoice attached","evidenceUrl":"https://example.com/invoice",` +
		`"attachments":[{"url":"https://a","originalName":"a.jpg","mimeType":"image/jpeg","size":10},` +
		`{"url":"https://b","originalName":"b.pdf","mimeType":"application/pdf","size":20}],` +
		`"contributorType":"mechanic","contributorDisplayName":"Sam","contributorWallet":"W1"}`
	assert.Equal(t, want, got)
}

func TestCanonicalizeIgnoresAttachmentOrder(t *testing.T) {
	a := sampleFields()
	b := sampleFields()
	b.Attachments[0], b.Attachments[1] = b.Attachments[1], b.Attachments[0]
	assert.Equal(t, Canonicalize(a), Canonicalize(b))
}

func TestCanonicalizeTrimsAndDefaults(t *testing.T) {
	a := sampleFields()
	a.EvidenceURL = ""
	a.Contributor.Wallet = ""

	b := sampleFields()
	b.CarID = "  car_camry_2018\n"
	b.Statement = "\tTransmission slips above 60k miles  "
	b.EvidenceURL = "   "
	b.Contributor.Wallet = " "
	b.Attachments = append(b.Attachments, claim.Attachment{URL: "  ", OriginalName: "dropped"})

	assert.Equal(t, String(a), String(b))
	assert.Contains(t, String(a), `"evidenceUrl":""`)
	assert.Contains(t, String(a), `"contributorWallet":""`)
}

func TestCanonicalizeSensitiveToEveryField(t *testing.T) {
	base := String(sampleFields())
	mutations := map[string]func(f *claim.Fields){
		"carId":           func(f *claim.Fields) { f.CarID = "car_other" },
		"category":        func(f *claim.Fields) { f.Category = claim.CategorySafety },
		"statement":       func(f *claim.Fields) { f.Statement += "!" },
		"evidenceSummary": func(f *claim.Fields) { f.EvidenceSummary = "none" },
		"evidenceUrl":     func(f *claim.Fields) { f.EvidenceURL = "https://example.com/other" },
		"attachmentURL":   func(f *claim.Fields) { f.Attachments[0].URL = "https://c" },
		"attachmentSize":  func(f *claim.Fields) { f.Attachments[1].Size = 11 },
		"contributorType": func(f *claim.Fields) { f.Contributor.Type = claim.RoleOwner },
		"displayName":     func(f *claim.Fields) { f.Contributor.DisplayName = "Alex" },
		"wallet":          func(f *claim.Fields) { f.Contributor.Wallet = "W2" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			f := sampleFields()
			f.Attachments = append([]claim.Attachment(nil), f.Attachments...)
			mutate(&f)
			assert.NotEqual(t, base, String(f))
		})
	}
}

func TestCanonicalizeEscapesLikeJSONStringify(t *testing.T) {
	f := sampleFields()
	f.Statement = "quote\" back\\ tab\t bell\x07 <html> & ünïcode"
	got := String(f)
	assert.Contains(t, got, `"statement":"quote\" back\\ tab\t bell\u0007 <html> & ünïcode"`)
}

func TestNormalizeAttachmentsTrimsAndSorts(t *testing.T) {
	out := NormalizeAttachments([]claim.Attachment{
		{URL: " https://z ", Size: -4},
		{URL: "https://a", OriginalName: " n "},
		{URL: ""},
	})
	require.Len(t, out, 2)
	assert.Equal(t, "https://a", out[0].URL)
	assert.Equal(t, "n", out[0].OriginalName)
	assert.Equal(t, "https://z", out[1].URL)
	assert.Equal(t, int64(-4), out[1].Size)
}

func TestCanonicalizeClampsNegativeSize(t *testing.T) {
	f := sampleFields()
	f.Attachments = []claim.Attachment{{URL: "https://a", Size: -4}}
	assert.Contains(t, String(f), `"size":0}`)
}

func TestCanonicalizeTrimsLikeStringTrim(t *testing.T) {
	f := sampleFields()
	f.Statement = "\u0085x\ufeff"
	f.EvidenceSummary = "\u00a0\u2028report\u3000\v"
	got := String(f)
	assert.Contains(t, got, `"statement":"`+"\u0085"+`x"`)
	assert.Contains(t, got, `"evidenceSummary":"report"`)
}

func TestAttachmentsOrderByBytesNotLocale(t *testing.T) {
	out := NormalizeAttachments([]claim.Attachment{
		{URL: "https://a"},
		{URL: "https://B"},
	})
	require.Len(t, out, 2)
	assert.Equal(t, "https://B", out[0].URL)
	assert.Equal(t, "https://a", out[1].URL)
}
