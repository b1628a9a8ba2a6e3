package normalize

import (
	"path/filepath"
	"regexp"
	"strconv"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// exportNameRe matches job-board export names such as "Naukri_Priya[6y_1m].pdf".
var exportNameRe = regexp.MustCompile(`Naukri_([A-Za-z]+)\[(\d+)y_(\d+)m\]`)

// ExtractionFailedMessage is recorded on records recovered from a file name.
const ExtractionFailedMessage = "Failed to extract text from document"

var titleCaser = cases.Title(language.English, cases.NoLower)

// FromFilename recovers a minimal raw record (name and years of experience)
// from a recognizable export file name. The second return value is false when
// the name carries no usable metadata.
func FromFilename(path string) (map[string]any, bool) {
	base := filepath.Base(path)
	m := exportNameRe.FindStringSubmatch(base)
	if m == nil {
		return nil, false
	}

	// "6y_1m" is recorded as 6.1, matching how the exports were indexed before.
	exp, err := strconv.ParseFloat(m[2]+"."+m[3], 64)
	if err != nil {
		exp = 0
	}

	return map[string]any{
		"full_name":           titleCaser.String(m[1]),
		"total_experience":    exp,
		"original_filename":   base,
		"extraction_error":    ExtractionFailedMessage,
		"extraction_fallback": true,
	}, true
}
