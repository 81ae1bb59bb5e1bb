package ingest

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/finrag/finrag/document"
)

var (
	yearPattern    = regexp.MustCompile(`^(19|20)\d{2}$`)
	quarterPattern = regexp.MustCompile(`^q[1-4]$`)
)

var docTypes = map[string]struct{}{
	"10-k": {},
	"10-q": {},
	"8-k":  {},
}

// ParseFilename extracts filing metadata from names shaped like
// "apple 10-K 2023.pdf" or "amazon 10-Q q3 2024.pdf". Tokens before the
// document type form the company name; unrecognized parts are ignored so an
// unconventional name still ingests, just without filter metadata.
func ParseFilename(name string) document.Metadata {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	tokens := strings.Fields(strings.ToLower(base))

	var meta document.Metadata
	var companyTokens []string
	for _, tok := range tokens {
		switch {
		case meta.DocType == "" && isDocType(tok):
			meta.DocType = tok
		case meta.FiscalQuarter == "" && quarterPattern.MatchString(tok):
			meta.FiscalQuarter = tok
		case meta.FiscalYear == 0 && yearPattern.MatchString(tok):
			year, _ := strconv.Atoi(tok)
			meta.FiscalYear = year
		case meta.DocType == "" && meta.FiscalYear == 0:
			companyTokens = append(companyTokens, tok)
		}
	}
	meta.CompanyName = strings.Join(companyTokens, " ")
	return meta
}

func isDocType(tok string) bool {
	_, ok := docTypes[tok]
	return ok
}
