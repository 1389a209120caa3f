package api

import (
	"fmt"
	"strings"

	"github.com/GuilhermeP96/adb-toolkit/provider"
)

// encodeVCard renders contacts as a vCard 3.0 stream.
func encodeVCard(contacts []provider.Contact) string {
	var b strings.Builder
	for _, contact := range contacts {
		b.WriteString("BEGIN:VCARD\r\n")
		b.WriteString("VERSION:3.0\r\n")
		fmt.Fprintf(&b, "FN:%s\r\n", escapeVCard(contact.DisplayName))
		fmt.Fprintf(&b, "N:%s;%s;;;\r\n", escapeVCard(contact.FamilyName), escapeVCard(contact.GivenName))
		if contact.Organization != "" {
			fmt.Fprintf(&b, "ORG:%s\r\n", escapeVCard(contact.Organization))
		}
		for _, phone := range contact.Phones {
			if phone.Label != "" {
				fmt.Fprintf(&b, "TEL;TYPE=%s:%s\r\n", strings.ToUpper(phone.Label), phone.Number)
			} else {
				fmt.Fprintf(&b, "TEL:%s\r\n", phone.Number)
			}
		}
		for _, email := range contact.Emails {
			if email.Label != "" {
				fmt.Fprintf(&b, "EMAIL;TYPE=%s:%s\r\n", strings.ToUpper(email.Label), email.Address)
			} else {
				fmt.Fprintf(&b, "EMAIL:%s\r\n", email.Address)
			}
		}
		b.WriteString("END:VCARD\r\n")
	}
	return b.String()
}

// parseVCard extracts contacts from a vCard stream. Unknown properties are
// ignored; a block without FN or N yields an error entry rather than a
// contact.
func parseVCard(data string) ([]provider.Contact, []string) {
	var contacts []provider.Contact
	var errs []string

	var current *provider.Contact
	blockIndex := -1

	for _, rawLine := range strings.Split(data, "\n") {
		line := strings.TrimRight(rawLine, "\r")
		if line == "" {
			continue
		}

		upper := strings.ToUpper(line)
		switch {
		case upper == "BEGIN:VCARD":
			blockIndex++
			current = &provider.Contact{}
			continue
		case upper == "END:VCARD":
			if current == nil {
				continue
			}
			if current.DisplayName == "" && current.GivenName == "" && current.FamilyName == "" {
				errs = append(errs, fmt.Sprintf("block %d: no name property", blockIndex))
			} else {
				if current.DisplayName == "" {
					current.DisplayName = strings.TrimSpace(current.GivenName + " " + current.FamilyName)
				}
				contacts = append(contacts, *current)
			}
			current = nil
			continue
		}
		if current == nil {
			continue
		}

		property, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name, params, _ := strings.Cut(property, ";")

		switch strings.ToUpper(name) {
		case "FN":
			current.DisplayName = unescapeVCard(value)
		case "N":
			parts := strings.Split(value, ";")
			if len(parts) > 0 {
				current.FamilyName = unescapeVCard(parts[0])
			}
			if len(parts) > 1 {
				current.GivenName = unescapeVCard(parts[1])
			}
		case "ORG":
			current.Organization = unescapeVCard(strings.Split(value, ";")[0])
		case "TEL":
			current.Phones = append(current.Phones, provider.Phone{
				Number: strings.TrimSpace(value),
				Label:  vcardTypeParam(params),
			})
		case "EMAIL":
			current.Emails = append(current.Emails, provider.Email{
				Address: strings.TrimSpace(value),
				Label:   vcardTypeParam(params),
			})
		}
	}

	return contacts, errs
}

func vcardTypeParam(params string) string {
	for _, param := range strings.Split(params, ";") {
		key, value, ok := strings.Cut(param, "=")
		if ok && strings.EqualFold(key, "TYPE") {
			return strings.ToLower(value)
		}
	}
	return ""
}

func escapeVCard(s string) string {
	replacer := strings.NewReplacer("\\", "\\\\", ";", "\\;", ",", "\\,", "\n", "\\n")
	return replacer.Replace(s)
}

func unescapeVCard(s string) string {
	replacer := strings.NewReplacer("\\\\", "\\", "\\;", ";", "\\,", ",", "\\n", "\n", "\\N", "\n")
	return replacer.Replace(s)
}
