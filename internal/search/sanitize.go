package search

import (
	"regexp"
	"sort"
	"strings"

	"github.com/shyampagadi/AI-Rec-Batch/internal/identity"
	"github.com/shyampagadi/AI-Rec-Batch/internal/model"
)

// Redacted replaces personal data in text sent to the embedding provider.
const Redacted = "[REDACTED]"

// minRedactLen is the shortest term worth redacting; shorter terms would
// mangle ordinary words.
const minRedactLen = 4

// piiTerms lists the personal values of r that must not reach the index as
// free text: the full name and its first and last parts, the email, the
// phone in stored and digits-only form, the LinkedIn URL, and the address
// with each of its comma-separated components.
func piiTerms(r *model.Resume) []string {
	var terms []string
	if name := strings.TrimSpace(r.FullName); name != "" {
		terms = append(terms, name)
		parts := strings.Fields(name)
		terms = append(terms, parts[0], parts[len(parts)-1])
	}
	if email := strings.TrimSpace(r.Email); email != "" {
		terms = append(terms, email)
	}
	if phone := strings.TrimSpace(r.Phone); phone != "" {
		terms = append(terms, phone, identity.NormalizePhone(phone))
	}
	if li := strings.TrimSpace(r.LinkedInURL); li != "" {
		terms = append(terms, li)
	}
	if addr := strings.TrimSpace(r.Address); addr != "" {
		terms = append(terms, addr)
		for _, part := range strings.Split(addr, ",") {
			terms = append(terms, strings.TrimSpace(part))
		}
	}
	return terms
}

// Sanitize replaces every case-insensitive occurrence of r's personal values
// in text with Redacted. Longer terms are replaced first so a full name is
// not left half-redacted by its parts.
func Sanitize(text string, r *model.Resume) string {
	terms := piiTerms(r)
	sort.SliceStable(terms, func(i, j int) bool { return len(terms[i]) > len(terms[j]) })

	seen := make(map[string]bool, len(terms))
	for _, t := range terms {
		key := strings.ToLower(t)
		if len(t) < minRedactLen || seen[key] {
			continue
		}
		seen[key] = true
		re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(t))
		text = re.ReplaceAllLiteralString(text, Redacted)
	}
	return text
}
