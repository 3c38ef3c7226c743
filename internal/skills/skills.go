// Package skills discovers and indexes skill definitions: directories
// holding a SKILL.md with YAML frontmatter. Skills from project roots
// shadow same-named skills from user roots.
package skills

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	// SkillFilename is the expected filename for skill definitions.
	SkillFilename = "SKILL.md"

	frontmatterDelimiter = "---"
)

// Source states which root class a skill was discovered under.
type Source string

const (
	SourceUser    Source = "user"
	SourceProject Source = "project"
)

// Skill is one parsed skill definition.
type Skill struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Content is the markdown body after the frontmatter.
	Content string `yaml:"-"`
	// Path is the skill's directory.
	Path string `yaml:"-"`
	// Source records which root class the skill came from.
	Source Source `yaml:"-"`
	// Hash is the hex sha256 of the SKILL.md file, for change detection.
	Hash string `yaml:"-"`
}

// Parse parses SKILL.md content.
func Parse(data []byte, skillPath string) (*Skill, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("split frontmatter: %w", err)
	}
	var skill Skill
	if err := yaml.Unmarshal(frontmatter, &skill); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if skill.Name == "" {
		return nil, fmt.Errorf("skill name is required")
	}
	if skill.Description == "" {
		return nil, fmt.Errorf("skill description is required")
	}
	sum := sha256.Sum256(data)
	skill.Content = strings.TrimSpace(string(body))
	skill.Path = skillPath
	skill.Hash = hex.EncodeToString(sum[:])
	return &skill, nil
}

// ParseFile parses the SKILL.md at path.
func ParseFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var frontmatter []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		frontmatter = append(frontmatter, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var body []string
	for scanner.Scan() {
		body = append(body, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return []byte(strings.Join(frontmatter, "\n")), []byte(strings.Join(body, "\n")), nil
}

// Registry indexes discovered skills by name.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]*Skill
}

// NewRegistry creates an empty skill registry.
func NewRegistry() *Registry {
	return &Registry{skills: map[string]*Skill{}}
}

// Discover scans the given roots for skill directories. User roots are
// scanned first; project roots afterwards, so a project skill replaces a
// user skill with the same name. Unparseable skills are skipped and
// reported in the returned error list.
func (r *Registry) Discover(userRoots, projectRoots []string) []error {
	var errs []error
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills = map[string]*Skill{}
	for _, root := range userRoots {
		errs = append(errs, r.scanRoot(root, SourceUser)...)
	}
	for _, root := range projectRoots {
		errs = append(errs, r.scanRoot(root, SourceProject)...)
	}
	return errs
}

func (r *Registry) scanRoot(root string, source Source) []error {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return []error{fmt.Errorf("read root %s: %w", root, err)}
	}
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(root, entry.Name(), SkillFilename)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		skill, err := ParseFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("skill %s: %w", path, err))
			continue
		}
		skill.Source = source
		r.skills[skill.Name] = skill
	}
	return errs
}

// Get returns the skill registered under name.
func (r *Registry) Get(name string) (*Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	skill, ok := r.skills[name]
	return skill, ok
}

// List returns all skills sorted by name.
func (r *Registry) List() []*Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Skill, 0, len(r.skills))
	for _, skill := range r.skills {
		out = append(out, skill)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PromptSection renders the registered skills as a system-prompt fragment
// agents can be primed with. Empty when no skills are installed.
func (r *Registry) PromptSection() string {
	skills := r.List()
	if len(skills) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Available skills:\n")
	for _, skill := range skills {
		fmt.Fprintf(&b, "- %s: %s\n", skill.Name, skill.Description)
	}
	return b.String()
}
