package llm

import (
	"fmt"
	"strings"
)

// systemPrompt is sent with every request and cached by the provider.
const systemPrompt = `You are an expert resume parser. You read the plain text of one resume and
return a single JSON object describing it, with exactly these fields:

{
  "full_name": "Candidate name, null if not found",
  "email": "Email address, null if not found",
  "phone_number": "Phone number, null if not found",
  "address": "Address with city, state and PIN/ZIP code, null if not found",
  "linkedin": "LinkedIn URL, null if not found",
  "summary": "Brief professional summary",
  "total_experience": 0.0,
  "skills": ["skill"],
  "positions": ["job title"],
  "companies": [
    {"name": "Company", "role": "Job title", "duration": "Mon YYYY - Mon YYYY",
     "description": "Responsibilities", "technologies": ["tech"]}
  ],
  "education": [
    {"degree": "Degree", "institution": "Institution", "year": 2020}
  ],
  "certifications": ["certification"],
  "industries": ["industry"],
  "achievements": [
    {"type": "award|metric|recognition", "description": "What", "metrics": "Numbers"}
  ],
  "projects": [
    {"name": "Project", "description": "What", "technologies": ["tech"],
     "duration_months": 6, "role": "Role", "metrics": "Impact"}
  ]
}

Rules:
- total_experience is years as a number.
- Use [] for list fields with no data and null for missing scalars.
- Never invent contact details.
- Return ONLY the JSON object, with no commentary and no code fences.`

// userPrompt builds the per-document message. Hints recovered from the file
// name are included when present.
func userPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "File type: %s\n", in.FileType)
	if in.Filename != "" {
		fmt.Fprintf(&b, "File name: %s\n", in.Filename)
	}
	if name, ok := in.Hints["full_name"].(string); ok && name != "" {
		fmt.Fprintf(&b, "The file name indicates the candidate is %s", name)
		if exp, ok := in.Hints["total_experience"].(float64); ok && exp > 0 {
			fmt.Fprintf(&b, " with about %g years of experience", exp)
		}
		b.WriteString(".\n")
	}
	b.WriteString("\nResume text:\n")
	b.WriteString(in.Text)
	return b.String()
}
