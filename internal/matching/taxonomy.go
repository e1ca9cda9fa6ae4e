package matching

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Category is one taxonomy entry: the keywords that trigger it and the
// courses it maps to.
type Category struct {
	ID       string   `yaml:"id" json:"id"`
	Keywords []string `yaml:"keywords" json:"keywords"`
	Courses  []string `yaml:"courses" json:"courses"`
}

// Taxonomy is an ordered list of categories. Order breaks ties when two
// categories first match at the same position.
type Taxonomy []Category

// Validate checks for empty and duplicate ids and keywordless categories.
func (t Taxonomy) Validate() error {
	seen := make(map[string]bool, len(t))
	for _, c := range t {
		if c.ID == "" {
			return fmt.Errorf("taxonomy category without id")
		}
		if seen[c.ID] {
			return fmt.Errorf("taxonomy category %q: duplicate id", c.ID)
		}
		seen[c.ID] = true
		if len(c.Keywords) == 0 {
			return fmt.Errorf("taxonomy category %q: no keywords", c.ID)
		}
	}
	return nil
}

type taxonomyFile struct {
	Categories Taxonomy `yaml:"categories"`
}

// LoadTaxonomy reads a YAML taxonomy file that replaces the default one.
func LoadTaxonomy(path string) (Taxonomy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy file: %w", err)
	}
	var f taxonomyFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse taxonomy file %s: %w", path, err)
	}
	if err := f.Categories.Validate(); err != nil {
		return nil, err
	}
	return f.Categories, nil
}

// DefaultTaxonomy is the training-course catalogue tenders are matched
// against.
func DefaultTaxonomy() Taxonomy {
	return Taxonomy{
		{
			ID:       "project-management",
			Keywords: []string{"prince2", "pmp", "project management", "capm", "msp", "portfolio", "program management", "pmo", "agile project", "pmbok", "pmi", "gestion de projet"},
			Courses:  []string{"PRINCE2 Foundation", "PRINCE2 Practitioner", "PRINCE2 Agile", "PMP Certification", "CAPM", "MSP", "Portfolio Management", "Program Management"},
		},
		{
			ID:       "it-technical",
			Keywords: []string{"itil", "cloud", "aws", "azure", "devops", "docker", "kubernetes", "linux", "python", "java", "database", "sql", "cisco", "vmware", "microsoft", "oracle", "sap"},
			Courses:  []string{"ITIL 4 Foundation", "AWS Solutions Architect", "Azure Fundamentals", "DevOps Certification", "Linux Administration", "Python Programming", "Java Development"},
		},
		{
			ID:       "cybersecurity",
			Keywords: []string{"security", "cyber", "cissp", "ethical hacking", "penetration", "iso 27001", "gdpr", "ceh", "comptia security", "firewall", "soc", "siem", "incident response", "cybersecurite"},
			Courses:  []string{"CISSP Certification", "Ethical Hacking", "ISO 27001", "Security Awareness", "CompTIA Security+", "CEH", "Penetration Testing"},
		},
		{
			ID:       "agile-scrum",
			Keywords: []string{"agile", "scrum", "safe", "kanban", "sprint", "product owner", "scrum master", "lean", "jira", "confluence", "retrospective", "backlog"},
			Courses:  []string{"Scrum Master Certification", "Product Owner Certification", "SAFe Agilist", "Agile Coach", "Kanban Training"},
		},
		{
			ID:       "leadership",
			Keywords: []string{"leadership", "management", "executive", "coaching", "change management", "transformation", "strategic", "team building", "communication", "stakeholder", "gestion du changement"},
			Courses:  []string{"Leadership Excellence", "Executive Coaching", "Change Management", "Strategic Leadership", "Team Leadership"},
		},
		{
			ID:       "data-analytics",
			Keywords: []string{"data", "analytics", "power bi", "tableau", "excel", "business intelligence", "visualization", "reporting", "dashboard", "kpi", "metrics", "sql", "donnees"},
			Courses:  []string{"Power BI Training", "Tableau Certification", "Advanced Excel", "Data Analytics", "Business Intelligence", "SQL for Analytics"},
		},
		{
			ID:       "soft-skills",
			Keywords: []string{"communication", "presentation", "negotiation", "time management", "emotional intelligence", "conflict", "teamwork", "public speaking", "writing"},
			Courses:  []string{"Presentation Skills", "Negotiation Skills", "Time Management", "Business Communication", "Emotional Intelligence", "Conflict Resolution"},
		},
		{
			ID:       "compliance",
			Keywords: []string{"compliance", "audit", "risk management", "governance", "quality", "iso", "regulatory", "health safety", "privacy", "sox", "grc", "conformite"},
			Courses:  []string{"ISO 9001", "Risk Management", "Compliance Training", "Internal Auditor", "Health & Safety", "GDPR Compliance"},
		},
	}
}
