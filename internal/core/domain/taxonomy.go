package domain

import "strings"

type Category struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

type Technology struct {
	Name         string   `json:"name" yaml:"name"`
	Keywords     []string `json:"keywords" yaml:"keywords"`
	Categories   []string `json:"categories" yaml:"categories"`
	FilePatterns []string `json:"-" yaml:"file_patterns"`
}

// Taxonomy holds the closed enumerations search filters are checked against.
// Order is preserved for listing.
type Taxonomy struct {
	Categories   []Category   `yaml:"categories"`
	Technologies []Technology `yaml:"technologies"`
}

func DefaultTaxonomy() Taxonomy {
	return Taxonomy{
		Categories: []Category{
			{Name: "getting_started", Description: "Quick start guides and installation instructions"},
			{Name: "concepts", Description: "Core concepts and architectural explanations"},
			{Name: "guides", Description: "Step-by-step tutorials and how-to guides"},
			{Name: "api_reference", Description: "API documentation and reference materials"},
			{Name: "examples", Description: "Code examples and sample implementations"},
			{Name: "advanced", Description: "Advanced topics and detailed configurations"},
			{Name: "troubleshooting", Description: "Common issues and solutions"},
			{Name: "mcp", Description: "Model Context Protocol related documentation"},
			{Name: "setup", Description: "Installation and setup instructions"},
			{Name: "authentication", Description: "Authentication and security documentation"},
		},
		Technologies: []Technology{
			{
				Name:         "Convex",
				Keywords:     []string{"convex", "database", "backend", "realtime"},
				Categories:   []string{"getting_started", "guides", "api_reference"},
				FilePatterns: []string{"*Convex*", "*convex*"},
			},
			{
				Name:         "Shadcn/ui",
				Keywords:     []string{"shadcn", "ui", "components", "design system"},
				Categories:   []string{"getting_started", "guides", "examples"},
				FilePatterns: []string{"*Shadcn*", "*shadcn*"},
			},
			{
				Name:         "RadixUI",
				Keywords:     []string{"radix", "primitives", "themes", "colors", "ui"},
				Categories:   []string{"getting_started", "guides", "examples"},
				FilePatterns: []string{"*RadixUi*", "*Radix*"},
			},
			{
				Name:         "TailwindCSS",
				Keywords:     []string{"tailwind", "css", "styling", "utility"},
				Categories:   []string{"getting_started", "guides", "examples"},
				FilePatterns: []string{"*tailwindCSS*", "*tailwind*"},
			},
			{
				Name:         "Kiro",
				Keywords:     []string{"kiro", "mcp", "agent", "ai"},
				Categories:   []string{"getting_started", "guides", "mcp"},
				FilePatterns: []string{"*Kiro*", "*kiro*"},
			},
			{
				Name:         "Claude Code",
				Keywords:     []string{"claude", "code", "anthropic", "ai", "mcp"},
				Categories:   []string{"getting_started", "guides", "setup"},
				FilePatterns: []string{"*Claude*", "*Anthropic*", "*claude*"},
			},
			{
				Name:         "Clerk",
				Keywords:     []string{"clerk", "auth", "authentication", "user"},
				Categories:   []string{"getting_started", "guides", "authentication"},
				FilePatterns: []string{"*Clerk*", "*clerk*"},
			},
			{
				Name:         "Polar",
				Keywords:     []string{"polar", "billing", "subscriptions", "payments"},
				Categories:   []string{"getting_started", "guides", "api_reference"},
				FilePatterns: []string{"*Polar*", "*polar*"},
			},
			{
				Name:         "React",
				Keywords:     []string{"react", "jsx", "components", "hooks"},
				Categories:   []string{"getting_started", "guides", "examples"},
				FilePatterns: []string{"*React*", "*react*"},
			},
		},
	}
}

func (t Taxonomy) HasCategory(name string) bool {
	for _, c := range t.Categories {
		if c.Name == name {
			return true
		}
	}
	return false
}

func (t Taxonomy) HasTechnology(name string) bool {
	_, ok := t.Technology(name)
	return ok
}

func (t Taxonomy) Technology(name string) (Technology, bool) {
	for _, tech := range t.Technologies {
		if tech.Name == name {
			return tech, true
		}
	}
	return Technology{}, false
}

// CategoryDescriptions returns the name -> description view served to clients.
func (t Taxonomy) CategoryDescriptions() map[string]string {
	out := make(map[string]string, len(t.Categories))
	for _, c := range t.Categories {
		out[c.Name] = c.Description
	}
	return out
}

func (t Taxonomy) CategoryNames() []string {
	out := make([]string, 0, len(t.Categories))
	for _, c := range t.Categories {
		out = append(out, c.Name)
	}
	return out
}

func (t Taxonomy) TechnologyNames() []string {
	out := make([]string, 0, len(t.Technologies))
	for _, tech := range t.Technologies {
		out = append(out, tech.Name)
	}
	return out
}

// InferTechnology guesses the technology of an untagged chunk from its source file name
// using the file patterns of the technology table. Patterns are "*needle*" globs.
func (t Taxonomy) InferTechnology(sourceFile string) string {
	if sourceFile == "" {
		return ""
	}
	for _, tech := range t.Technologies {
		for _, pattern := range tech.FilePatterns {
			needle := strings.Trim(pattern, "*")
			if needle != "" && strings.Contains(sourceFile, needle) {
				return tech.Name
			}
		}
	}
	return ""
}

// FillMetadata applies the defaults every corpus source shares: untagged
// chunks are text, get a technology inferred from their source file and
// inherit the document title as parent title.
func (t Taxonomy) FillMetadata(md *ChunkMetadata) {
	if md.Type == "" {
		md.Type = ContentText
	}
	if md.Technology == "" {
		md.Technology = t.InferTechnology(md.SourceFile)
	}
	if md.ParentTitle == "" {
		md.ParentTitle = md.DocTitle
	}
}

func ValidContentType(v string) bool {
	switch ContentType(v) {
	case ContentText, ContentCode:
		return true
	default:
		return false
	}
}
