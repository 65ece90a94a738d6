package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

var ErrInvalidIndex = errors.New("resolver: invalid repository index")

// Capability is one named set of attributes a resource provides.
type Capability struct {
	Namespace  string         `json:"namespace" yaml:"namespace" toml:"namespace"`
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes" toml:"attributes"`
}

// Resource is one installable artifact listed in a repository index.
type Resource struct {
	Identity     string        `json:"identity"`
	Version      string        `json:"version"`
	Fragment     bool          `json:"fragment,omitempty"`
	Content      []string      `json:"content"`
	Capabilities []Capability  `json:"capabilities,omitempty"`
	Requirements []Requirement `json:"requirements,omitempty"`
	Index        string        `json:"index"`
}

func (r Resource) Key() string {
	return r.Identity + "@" + r.Version
}

// Location is the primary content location of the resource.
func (r Resource) Location() string {
	if len(r.Content) == 0 {
		return ""
	}
	return r.Content[0]
}

// Provides reports whether any capability of r satisfies req.
func (r Resource) Provides(req Requirement) bool {
	for _, c := range r.Capabilities {
		if req.Matches(c) {
			return true
		}
	}
	return false
}

// Consumes lists the event types declared by the resource's behaviour capabilities.
func (r Resource) Consumes() []string {
	out := make([]string, 0)
	for _, c := range r.Capabilities {
		if c.Namespace != NamespaceBehaviour {
			continue
		}
		if v, ok := lookupAttr(c.Attributes, "consumed"); ok {
			out = append(out, flattenValue(v)...)
		}
	}
	return out
}

type indexDocument struct {
	Resources []resourceDocument `yaml:"resources" toml:"resources"`
}

type resourceDocument struct {
	Identity     string       `yaml:"identity" toml:"identity"`
	Version      string       `yaml:"version" toml:"version"`
	Fragment     bool         `yaml:"fragment" toml:"fragment"`
	Content      []string     `yaml:"content" toml:"content"`
	Capabilities []Capability `yaml:"capabilities" toml:"capabilities"`
	Requirements []string     `yaml:"requirements" toml:"requirements"`
}

// Fetcher reads index documents by location.
type Fetcher interface {
	ReadAll(ctx context.Context, location string) ([]byte, error)
}

// IndexLoader loads and caches repository indexes by URL.
type IndexLoader struct {
	fetcher Fetcher
	mu      sync.Mutex
	cache   map[string][]Resource
}

func NewIndexLoader(fetcher Fetcher) *IndexLoader {
	return &IndexLoader{fetcher: fetcher, cache: make(map[string][]Resource)}
}

// Load returns the resources of every index, in index order.
func (l *IndexLoader) Load(ctx context.Context, indexes []string) ([]Resource, error) {
	out := make([]Resource, 0)
	for _, index := range indexes {
		res, err := l.loadOne(ctx, index)
		if err != nil {
			return nil, err
		}
		out = append(out, res...)
	}
	return out, nil
}

// Invalidate drops every cached index.
func (l *IndexLoader) Invalidate() {
	l.mu.Lock()
	l.cache = make(map[string][]Resource)
	l.mu.Unlock()
}

func (l *IndexLoader) loadOne(ctx context.Context, index string) ([]Resource, error) {
	l.mu.Lock()
	cached, ok := l.cache[index]
	l.mu.Unlock()
	if ok {
		return cached, nil
	}

	raw, err := l.fetcher.ReadAll(ctx, index)
	if err != nil {
		return nil, fmt.Errorf("resolver: read index %s: %w", index, err)
	}
	res, err := ParseIndex(index, raw)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.cache[index] = res
	l.mu.Unlock()
	log.Debug().Str("index", index).Int("resources", len(res)).Msg("resolver.IndexLoader.load")
	return res, nil
}

// ParseIndex decodes an index document. The format follows the name:
// .toml is TOML, anything else YAML; a trailing .zst means zstd-compressed.
func ParseIndex(index string, raw []byte) ([]Resource, error) {
	name := strings.ToLower(index)
	if strings.HasSuffix(name, ".zst") {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		raw, err = dec.DecodeAll(raw, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: zstd: %v", ErrInvalidIndex, index, err)
		}
		name = strings.TrimSuffix(name, ".zst")
	}

	var doc indexDocument
	var err error
	if strings.HasSuffix(name, ".toml") {
		err = decodeTOMLIndex(raw, &doc)
	} else {
		err = decodeYAMLIndex(raw, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidIndex, index, err)
	}

	out := make([]Resource, 0, len(doc.Resources))
	for i, rd := range doc.Resources {
		if strings.TrimSpace(rd.Identity) == "" {
			return nil, fmt.Errorf("%w: %s: resources[%d] missing identity", ErrInvalidIndex, index, i)
		}
		if len(rd.Content) == 0 {
			return nil, fmt.Errorf("%w: %s: resources[%d] has no content", ErrInvalidIndex, index, i)
		}
		version := strings.TrimSpace(rd.Version)
		if version == "" {
			version = "0.0.0"
		}
		reqs, err := ParseRequirements(rd.Requirements)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: resources[%d]: %v", ErrInvalidIndex, index, i, err)
		}
		content := make([]string, 0, len(rd.Content))
		for _, c := range rd.Content {
			content = append(content, resolveLocation(index, c))
		}
		caps := append([]Capability{identityCapability(rd.Identity, version, rd.Fragment)}, rd.Capabilities...)
		out = append(out, Resource{
			Identity:     rd.Identity,
			Version:      version,
			Fragment:     rd.Fragment,
			Content:      content,
			Capabilities: caps,
			Requirements: reqs,
			Index:        index,
		})
	}
	return out, nil
}

// decodeYAMLIndex accepts only a mapping document with a resources key.
func decodeYAMLIndex(raw []byte, doc *indexDocument) error {
	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return err
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return errors.New("empty document")
	}
	top := root.Content[0]
	if top.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: document is not a mapping", top.Line)
	}
	found := false
	for i := 0; i+1 < len(top.Content); i += 2 {
		if top.Content[i].Value == "resources" {
			found = true
			break
		}
	}
	if !found {
		return errors.New("missing resources")
	}
	return top.Decode(doc)
}

func decodeTOMLIndex(raw []byte, doc *indexDocument) error {
	var keys map[string]any
	if err := toml.Unmarshal(raw, &keys); err != nil {
		return err
	}
	if _, ok := keys["resources"]; !ok {
		return errors.New("missing resources")
	}
	return toml.Unmarshal(raw, doc)
}

func identityCapability(identity, version string, fragment bool) Capability {
	kind := "unit"
	if fragment {
		kind = "fragment"
	}
	return Capability{
		Namespace: NamespaceIdentity,
		Attributes: map[string]any{
			NamespaceIdentity: identity,
			"version":         version,
			"type":            kind,
		},
	}
}

// resolveLocation makes ref absolute relative to the index location.
func resolveLocation(index, ref string) string {
	if u, err := url.Parse(ref); err == nil && u.Scheme != "" {
		return ref
	}
	if filepath.IsAbs(ref) {
		return ref
	}
	base, err := url.Parse(index)
	if err != nil || base.Scheme == "" {
		return filepath.Join(filepath.Dir(index), ref)
	}
	if base.Scheme == "file" {
		base.Path = path.Join(path.Dir(base.Path), ref)
		return base.String()
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(rel).String()
}
