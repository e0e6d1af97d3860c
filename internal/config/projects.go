package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Sentinel errors for project configuration loading.
var (
	// ErrConfigPathEmpty is returned when no configuration path has been supplied.
	ErrConfigPathEmpty = errors.New("project configuration path cannot be empty")

	// ErrNoProjects is returned when the configuration document contains no projects.
	ErrNoProjects = errors.New("project configuration contains no projects")

	// ErrUnknownProject is returned when a project is not present in the configuration.
	ErrUnknownProject = errors.New("unknown project")

	// ErrUnknownPlatform is returned when a project has no file spec for a platform.
	ErrUnknownPlatform = errors.New("unknown platform for project")
)

type (
	// Document is the parsed project configuration JSON supplied via
	// CONDUIT_CONFIG_JSON. It enumerates every project the pipeline serves,
	// the platforms each project accepts, the file set a complete submission
	// must provide per platform, the participating sites, and the buckets
	// derived artifacts are published to.
	Document struct {
		Version int                `json:"version"`
		Configs map[string]Project `json:"configs"`
	}

	// Project holds the per-project portion of the configuration document.
	Project struct {
		// ArtifactLayout names the filename fields that form the artifact key,
		// e.g. "project.sample_id.run_id".
		ArtifactLayout string `json:"artifact_layout"`

		// Sites lists the site codes allowed to submit to this project.
		Sites []string `json:"sites"`

		// FileSpecs maps platform name to the file set specification for
		// submissions from that platform.
		FileSpecs map[string]FileSpec `json:"file_specs"`

		// PublishBuckets maps an artifact kind (e.g. "reads", "assembly") to
		// the bucket that kind of derived artifact is published to.
		PublishBuckets map[string]string `json:"publish_buckets"`
	}

	// FileSpec describes the complete file set for one (project, platform)
	// pair: a mapping from file extension to the expected count of files
	// carrying that extension.
	FileSpec struct {
		Files map[string]int `json:"files"`
	}
)

// LoadDocument reads and parses the project configuration JSON at path.
func LoadDocument(path string) (*Document, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrConfigPathEmpty
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read project configuration: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse project configuration: %w", err)
	}

	if len(doc.Configs) == 0 {
		return nil, ErrNoProjects
	}

	return &doc, nil
}

// Project returns the configuration for the named project.
func (d *Document) Project(name string) (Project, error) {
	project, ok := d.Configs[name]
	if !ok {
		return Project{}, fmt.Errorf("%w: %s", ErrUnknownProject, name)
	}

	return project, nil
}

// FileSpec returns the file set specification for the named platform.
func (p Project) FileSpec(platform string) (FileSpec, error) {
	spec, ok := p.FileSpecs[platform]
	if !ok {
		return FileSpec{}, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}

	return spec, nil
}

// HasSite reports whether the site code participates in the project.
func (p Project) HasSite(site string) bool {
	for _, s := range p.Sites {
		if s == site {
			return true
		}
	}

	return false
}

// Required returns the extensions a complete submission must provide,
// sorted for deterministic iteration.
func (s FileSpec) Required() []string {
	exts := make([]string, 0, len(s.Files))
	for ext := range s.Files {
		exts = append(exts, ext)
	}

	sort.Strings(exts)

	return exts
}

// MatchExtension returns the spec extension the object key carries.
// Extensions may span multiple dots (".1.fastq.gz"), so longest suffix wins.
func (s FileSpec) MatchExtension(key string) (string, bool) {
	match := ""

	for ext := range s.Files {
		if strings.HasSuffix(key, ext) && len(ext) > len(match) {
			match = ext
		}
	}

	return match, match != ""
}
