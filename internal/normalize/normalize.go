// Package normalize turns raw, untrusted LLM resume output into the canonical
// model.Resume shape.
package normalize

import (
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/shyampagadi/AI-Rec-Batch/internal/model"
)

var (
	// monthYearRe finds "Mon YYYY" pairs inside a free-form duration.
	monthYearRe = regexp.MustCompile(`(\w+)\s+(\d{4})`)
	// formattedDurationRe matches durations already in MM/YYYY-MM/YYYY form.
	formattedDurationRe = regexp.MustCompile(`^\d{2}/\d{4}-\d{2}/\d{4}`)
)

var monthNumbers = map[string]string{
	"jan": "01", "feb": "02", "mar": "03", "apr": "04",
	"may": "05", "jun": "06", "jul": "07", "aug": "08",
	"sep": "09", "oct": "10", "nov": "11", "dec": "12",
}

// lowQualityDegrees are degree strings the model emits when it has only seen
// an abbreviation. They are dropped when paired with UnknownInstitution.
var lowQualityDegrees = map[string]bool{"me": true, "be": true}

// UnknownInstitution is the placeholder institution emitted by the model.
const UnknownInstitution = "Unknown Institution"

// Normalize builds a canonical resume from raw LLM output. It never fails:
// malformed or missing fields degrade to their zero values and every sequence
// field is non-nil.
func Normalize(raw map[string]any) *model.Resume {
	r := &model.Resume{
		Skills:         []string{},
		Positions:      []string{},
		Certifications: []string{},
		Industries:     []string{},
		Companies:      []model.Company{},
		Education:      []model.Education{},
		Achievements:   []model.Achievement{},
		Projects:       []model.Project{},
	}
	if raw == nil {
		return r
	}

	r.FullName = scalar(raw["full_name"])
	if r.FullName == "" {
		r.FullName = scalar(raw["name"])
	}
	r.Email = scalar(raw["email"])
	r.Phone = scalar(raw["phone_number"])
	if r.Phone == "" {
		r.Phone = scalar(raw["phone"])
	}
	r.Address = scalar(raw["address"])
	r.LinkedInURL = scalar(raw["linkedin_url"])
	if r.LinkedInURL == "" {
		r.LinkedInURL = scalar(raw["linkedin"])
	}
	r.Summary = scalar(raw["summary"])

	if v, ok := raw["total_experience"]; ok && v != nil {
		r.TotalExperience = toFloat(v)
	}

	r.Skills = stringList(raw["skills"])
	r.Positions = stringList(raw["positions"])
	r.Certifications = stringList(raw["certifications"])
	r.Industries = stringList(raw["industries"])

	r.Companies = companies(raw["companies"])
	r.Education = education(raw["education"])
	r.Achievements = achievements(raw["achievements"])
	r.Projects = projects(raw["projects"])

	if v, ok := raw["processing_time"]; ok {
		r.ProcessingTime = toFloat(v)
	}
	r.S3Key = asString(raw["s3_key"])
	r.FileType = asString(raw["file_type"])
	r.OriginalFilename = asString(raw["original_filename"])
	if b, ok := raw["extraction_fallback"].(bool); ok {
		r.ExtractionFallback = b
	}
	r.ExtractionError = asString(raw["extraction_error"])

	return r
}

func companies(v any) []model.Company {
	out := []model.Company{}
	if v == nil {
		return out
	}
	entries := objects(v)
	if entries == nil {
		zap.L().Debug("normalize: companies is not a list", zap.String("type", describe(v)))
		return out
	}

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		name := scalar(e["name"])
		if name == "" {
			zap.L().Debug("normalize: skipping company without name")
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true

		c := model.Company{
			Name:         name,
			Role:         asString(e["role"]),
			Description:  asString(e["description"]),
			Technologies: []string{},
		}
		if d, ok := e["duration"]; ok {
			c.Duration = NormalizeDuration(asString(d))
		}
		if t, ok := e["technologies"]; ok {
			c.Technologies = technologies(t)
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return firstYear(out[i].Duration) > firstYear(out[j].Duration)
	})
	return out
}

// NormalizeDuration rewrites "Mon YYYY - Mon YYYY" ranges as MM/YYYY-MM/YYYY.
// Strings already in that form, and strings with fewer than two month/year
// pairs, are returned unchanged.
func NormalizeDuration(d string) string {
	if d == "" || formattedDurationRe.MatchString(d) {
		return d
	}
	matches := monthYearRe.FindAllStringSubmatch(d, -1)
	if len(matches) < 2 {
		return d
	}
	first, last := matches[0], matches[len(matches)-1]
	return monthNumber(first[1], "01") + "/" + first[2] + "-" + monthNumber(last[1], "12") + "/" + last[2]
}

func monthNumber(name, fallback string) string {
	name = strings.ToLower(name)
	if len(name) > 3 {
		name = name[:3]
	}
	if n, ok := monthNumbers[name]; ok {
		return n
	}
	return fallback
}

func firstYear(duration string) int {
	return toInt(duration, yearRe)
}

type educationKey struct{ degree, institution string }

func education(v any) []model.Education {
	out := []model.Education{}
	if v == nil {
		return out
	}
	entries := objects(v)
	if entries == nil {
		zap.L().Debug("normalize: education is not a list", zap.String("type", describe(v)))
		return out
	}

	seen := make(map[educationKey]bool, len(entries))
	for _, e := range entries {
		degree := scalar(e["degree"])
		if degree == "" {
			continue
		}
		institution := asString(e["institution"])
		if lowQualityDegrees[strings.ToLower(degree)] && institution == UnknownInstitution {
			zap.L().Debug("normalize: dropping low quality education entry", zap.String("degree", degree))
			continue
		}
		key := educationKey{degree, institution}
		if seen[key] {
			continue
		}
		seen[key] = true

		out = append(out, model.Education{
			Degree:      degree,
			Institution: institution,
			Year:        toInt(e["year"], yearRe),
		})
	}
	return out
}

func achievements(v any) []model.Achievement {
	out := []model.Achievement{}
	for _, e := range objects(v) {
		out = append(out, model.Achievement{
			Type:        asString(e["type"]),
			Description: asString(e["description"]),
			Metrics:     asString(e["metrics"]),
		})
	}
	return out
}

func projects(v any) []model.Project {
	out := []model.Project{}
	for _, e := range objects(v) {
		p := model.Project{
			Name:         asString(e["name"]),
			Description:  asString(e["description"]),
			Role:         asString(e["role"]),
			Metrics:      asString(e["metrics"]),
			Technologies: []string{},
		}
		if t, ok := e["technologies"]; ok {
			p.Technologies = technologies(t)
		}
		if d, ok := e["duration_months"]; ok {
			p.DurationMonths = toInt(d, integerRe)
		}
		out = append(out, p)
	}
	return out
}
