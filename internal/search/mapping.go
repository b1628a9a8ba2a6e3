package search

// DefaultIndex is the index holding resume documents.
const DefaultIndex = "resume-embeddings"

// DefaultDimension is the embedding size the index is created with.
const DefaultDimension = 1024

// Mapping returns the index body for an index whose embeddings have dim
// components.
func Mapping(dim int) map[string]any {
	keyword := map[string]any{"type": "keyword"}
	text := map[string]any{"type": "text"}
	short := map[string]any{"type": "short"}
	date := map[string]any{"type": "date", "format": "strict_date_optional_time"}

	return map[string]any{
		"settings": map[string]any{
			"index": map[string]any{
				"knn":                      true,
				"knn.algo_param.ef_search": 1024,
				"number_of_shards":         1,
				"number_of_replicas":       1,
				"analysis": map[string]any{
					"normalizer": map[string]any{
						"lowercase": map[string]any{"type": "custom", "filter": []string{"lowercase"}},
					},
				},
			},
		},
		"mappings": map[string]any{
			"properties": map[string]any{
				"resume_id": keyword,
				"email":     keyword,
				"phone":     keyword,
				"resume_embedding": map[string]any{
					"type":      "knn_vector",
					"dimension": dim,
					"method": map[string]any{
						"name":       "hnsw",
						"engine":     "nmslib",
						"space_type": "cosinesimil",
						"parameters": map[string]any{"ef_construction": 1024, "m": 48},
					},
				},
				"summary":          text,
				"total_experience": map[string]any{"type": "float"},
				"skills":           map[string]any{"type": "keyword", "normalizer": "lowercase"},
				"positions":        keyword,
				"certifications":   keyword,
				"industries":       keyword,
				"companies": map[string]any{
					"type": "nested",
					"properties": map[string]any{
						"name": keyword, "duration": text, "description": text,
						"role": keyword, "technologies": keyword,
					},
				},
				"education": map[string]any{
					"type": "nested",
					"properties": map[string]any{
						"degree": keyword, "institution": keyword, "year": short,
					},
				},
				"achievements": map[string]any{
					"type": "nested",
					"properties": map[string]any{
						"type": keyword, "description": text, "metrics": text,
					},
				},
				"projects": map[string]any{
					"type": "nested",
					"properties": map[string]any{
						"name": text, "description": text, "technologies": keyword,
						"duration_months": short, "role": keyword, "metrics": text,
					},
				},
				"created_dt": date,
				"updated_dt": date,
			},
		},
	}
}
