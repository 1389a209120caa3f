package api

import (
	"strings"
	"testing"

	"github.com/GuilhermeP96/adb-toolkit/provider"
)

func TestVCardRoundTrip(t *testing.T) {
	contacts := []provider.Contact{
		{
			DisplayName:  "Ada Lovelace",
			GivenName:    "Ada",
			FamilyName:   "Lovelace",
			Organization: "Analytical Engines Ltd",
			Phones:       []provider.Phone{{Number: "+15550001", Label: "cell"}, {Number: "+15550002"}},
			Emails:       []provider.Email{{Address: "ada@example.com", Label: "work"}},
		},
		{
			DisplayName: "Grace Hopper",
			Phones:      []provider.Phone{{Number: "+15550003"}},
		},
	}

	encoded := encodeVCard(contacts)
	if !strings.Contains(encoded, "BEGIN:VCARD") || !strings.Contains(encoded, "VERSION:3.0") {
		t.Fatalf("missing vCard framing:\n%s", encoded)
	}

	parsed, errs := parseVCard(encoded)
	if len(errs) != 0 {
		t.Fatalf("parse errors: %v", errs)
	}
	if len(parsed) != 2 {
		t.Fatalf("parsed %d contacts, want 2", len(parsed))
	}

	ada := parsed[0]
	if ada.DisplayName != "Ada Lovelace" || ada.GivenName != "Ada" || ada.FamilyName != "Lovelace" {
		t.Fatalf("name fields lost: %+v", ada)
	}
	if ada.Organization != "Analytical Engines Ltd" {
		t.Fatalf("organization lost: %+v", ada)
	}
	if len(ada.Phones) != 2 || ada.Phones[0].Label != "cell" {
		t.Fatalf("phones lost: %+v", ada.Phones)
	}
	if len(ada.Emails) != 1 || ada.Emails[0].Label != "work" {
		t.Fatalf("emails lost: %+v", ada.Emails)
	}
}

func TestParseVCardReportsNamelessBlocks(t *testing.T) {
	vcf := "BEGIN:VCARD\r\nVERSION:3.0\r\nTEL:+15550001\r\nEND:VCARD\r\n" +
		"BEGIN:VCARD\r\nVERSION:3.0\r\nFN:Valid Person\r\nEND:VCARD\r\n"

	parsed, errs := parseVCard(vcf)
	if len(parsed) != 1 || parsed[0].DisplayName != "Valid Person" {
		t.Fatalf("parsed = %+v", parsed)
	}
	if len(errs) != 1 || !strings.Contains(errs[0], "block 0") {
		t.Fatalf("errs = %v", errs)
	}
}

func TestParseVCardBuildsDisplayNameFromN(t *testing.T) {
	vcf := "BEGIN:VCARD\nVERSION:3.0\nN:Hopper;Grace;;;\nEND:VCARD\n"

	parsed, errs := parseVCard(vcf)
	if len(errs) != 0 || len(parsed) != 1 {
		t.Fatalf("parsed = %+v errs = %v", parsed, errs)
	}
	if parsed[0].DisplayName != "Grace Hopper" {
		t.Fatalf("display name = %q", parsed[0].DisplayName)
	}
}

func TestVCardEscaping(t *testing.T) {
	contacts := []provider.Contact{{DisplayName: "Smith; Bob, Jr."}}

	encoded := encodeVCard(contacts)
	parsed, errs := parseVCard(encoded)
	if len(errs) != 0 || len(parsed) != 1 {
		t.Fatalf("parsed = %+v errs = %v", parsed, errs)
	}
	if parsed[0].DisplayName != "Smith; Bob, Jr." {
		t.Fatalf("escaping broke round trip: %q", parsed[0].DisplayName)
	}
}
