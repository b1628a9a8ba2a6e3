package model

// Resume is the canonical, normalized resume record. One Resume is built per
// ingested document and is read-only once the orchestrator starts writing it
// to the stores.
type Resume struct {
	Identifier string `json:"resume_id"`

	FullName    string `json:"full_name,omitempty"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Address     string `json:"address,omitempty"`
	LinkedInURL string `json:"linkedin_url,omitempty"`
	Summary     string `json:"summary,omitempty"`

	TotalExperience float64 `json:"total_experience"`

	Skills         []string      `json:"skills"`
	Positions      []string      `json:"positions"`
	Certifications []string      `json:"certifications"`
	Industries     []string      `json:"industries"`
	Companies      []Company     `json:"companies"`
	Education      []Education   `json:"education"`
	Achievements   []Achievement `json:"achievements"`
	Projects       []Project     `json:"projects"`

	ProcessingTime   float64 `json:"processing_time,omitempty"`
	S3Key            string  `json:"s3_key,omitempty"`
	FileType         string  `json:"file_type,omitempty"`
	OriginalFilename string  `json:"original_filename,omitempty"`
	IsDuplicate      bool    `json:"is_duplicate"`

	// ExtractionFallback is set when the record was recovered from the file
	// name because no usable text could be extracted.
	ExtractionFallback bool   `json:"extraction_fallback,omitempty"`
	ExtractionError    string `json:"extraction_error,omitempty"`
}

// Company is one work-history entry.
type Company struct {
	Name         string   `json:"name"`
	Role         string   `json:"role,omitempty"`
	Description  string   `json:"description,omitempty"`
	Duration     string   `json:"duration,omitempty"`
	Technologies []string `json:"technologies"`
}

// Education is one degree entry. Year is 0 when unknown.
type Education struct {
	Degree      string `json:"degree"`
	Institution string `json:"institution,omitempty"`
	Year        int    `json:"year"`
}

// Achievement is a free-form accomplishment.
type Achievement struct {
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Metrics     string `json:"metrics,omitempty"`
}

// Project is a free-form project entry.
type Project struct {
	Name           string   `json:"name,omitempty"`
	Description    string   `json:"description,omitempty"`
	Role           string   `json:"role,omitempty"`
	Metrics        string   `json:"metrics,omitempty"`
	Technologies   []string `json:"technologies"`
	DurationMonths int      `json:"duration_months,omitempty"`
}

// Source describes where a resume document came from. Stores that keep
// provenance receive it alongside the Resume.
type Source struct {
	Bucket   string `json:"s3_bucket,omitempty"`
	Key      string `json:"s3_key,omitempty"`
	Filename string `json:"original_filename,omitempty"`
	FileType string `json:"file_type,omitempty"`

	// Text is the extracted document text. Only the search store reads it.
	Text string `json:"-"`
}

// HasContact reports whether the resume carries at least one identity signal.
func (r *Resume) HasContact() bool {
	return r.Email != "" || r.Phone != ""
}

// SourceOf derives the provenance block from the resume metadata.
func (r *Resume) SourceOf(bucket string) Source {
	return Source{
		Bucket:   bucket,
		Key:      r.S3Key,
		Filename: r.OriginalFilename,
		FileType: r.FileType,
	}
}
