package docstore

import (
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/shyampagadi/AI-Rec-Batch/internal/model"
)

// NotProvided replaces empty strings, nil values and empty lists, which the
// document item format cannot hold.
const NotProvided = "Not provided"

// Fields is the whitelist of resume fields written to the document store.
// Contact details and names are never listed, so they cannot leak in even if
// upstream filtering misses them.
var Fields = []string{
	"summary", "total_experience", "skills", "positions", "companies",
	"education", "certifications", "achievements", "industries", "projects",
}

// nonPII projects the whitelisted fields of r into plain values.
func nonPII(r *model.Resume) map[string]any {
	companies := make([]any, 0, len(r.Companies))
	for _, c := range r.Companies {
		companies = append(companies, map[string]any{
			"name":         c.Name,
			"role":         c.Role,
			"description":  c.Description,
			"duration":     c.Duration,
			"technologies": c.Technologies,
		})
	}
	education := make([]any, 0, len(r.Education))
	for _, e := range r.Education {
		education = append(education, map[string]any{
			"degree":      e.Degree,
			"institution": e.Institution,
			"year":        e.Year,
		})
	}
	achievements := make([]any, 0, len(r.Achievements))
	for _, a := range r.Achievements {
		achievements = append(achievements, map[string]any{
			"type":        a.Type,
			"description": a.Description,
			"metrics":     a.Metrics,
		})
	}
	projects := make([]any, 0, len(r.Projects))
	for _, p := range r.Projects {
		projects = append(projects, map[string]any{
			"name":            p.Name,
			"description":     p.Description,
			"role":            p.Role,
			"metrics":         p.Metrics,
			"technologies":    p.Technologies,
			"duration_months": p.DurationMonths,
		})
	}

	all := map[string]any{
		"summary":          r.Summary,
		"total_experience": r.TotalExperience,
		"skills":           r.Skills,
		"positions":        r.Positions,
		"certifications":   r.Certifications,
		"industries":       r.Industries,
		"companies":        companies,
		"education":        education,
		"achievements":     achievements,
		"projects":         projects,
	}
	out := make(map[string]any, len(Fields))
	for _, f := range Fields {
		out[f] = all[f]
	}
	return out
}

// encode converts a plain value into an attribute value. Floats are written
// as their shortest exact decimal string so they read back unchanged.
func encode(v any) types.AttributeValue {
	switch t := v.(type) {
	case nil:
		return &types.AttributeValueMemberS{Value: NotProvided}
	case string:
		if t == "" {
			return &types.AttributeValueMemberS{Value: NotProvided}
		}
		return &types.AttributeValueMemberS{Value: t}
	case bool:
		return &types.AttributeValueMemberBOOL{Value: t}
	case int:
		return &types.AttributeValueMemberN{Value: strconv.Itoa(t)}
	case int64:
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(t, 10)}
	case float64:
		return &types.AttributeValueMemberN{Value: strconv.FormatFloat(t, 'f', -1, 64)}
	case []string:
		items := make([]any, len(t))
		for i, s := range t {
			items[i] = s
		}
		return encode(items)
	case []any:
		if len(t) == 0 {
			return &types.AttributeValueMemberL{Value: []types.AttributeValue{
				&types.AttributeValueMemberS{Value: NotProvided},
			}}
		}
		list := make([]types.AttributeValue, len(t))
		for i, item := range t {
			list[i] = encode(item)
		}
		return &types.AttributeValueMemberL{Value: list}
	case map[string]any:
		m := make(map[string]types.AttributeValue, len(t))
		for k, item := range t {
			m[k] = encode(item)
		}
		return &types.AttributeValueMemberM{Value: m}
	default:
		return &types.AttributeValueMemberS{Value: NotProvided}
	}
}

// strip undoes the placeholder substitution so a stored item decodes back
// into empty values.
func strip(av types.AttributeValue) types.AttributeValue {
	switch t := av.(type) {
	case *types.AttributeValueMemberS:
		if t.Value == NotProvided {
			return &types.AttributeValueMemberNULL{Value: true}
		}
	case *types.AttributeValueMemberL:
		if len(t.Value) == 1 {
			if s, ok := t.Value[0].(*types.AttributeValueMemberS); ok && s.Value == NotProvided {
				return &types.AttributeValueMemberL{Value: []types.AttributeValue{}}
			}
		}
		list := make([]types.AttributeValue, len(t.Value))
		for i, item := range t.Value {
			list[i] = strip(item)
		}
		return &types.AttributeValueMemberL{Value: list}
	case *types.AttributeValueMemberM:
		m := make(map[string]types.AttributeValue, len(t.Value))
		for k, item := range t.Value {
			m[k] = strip(item)
		}
		return &types.AttributeValueMemberM{Value: m}
	}
	return av
}

// keys returns the sorted attribute names of a map value, for tests and logs.
func keys(m map[string]types.AttributeValue) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
