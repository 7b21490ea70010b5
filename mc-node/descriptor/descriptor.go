// Package descriptor reads the YAML document kinds the model controller
// consumes: Stack documents naming the model instances of a simulation, and
// Model documents describing how each model is loaded.
package descriptor

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	KindStack = "Stack"
	KindModel = "Model"

	// AnnotationPath locates a model's directory; the auxiliary model.yaml
	// and the dynlib file paths are resolved against it.
	AnnotationPath = "path"
)

var ErrDocumentNotFound = errors.New("document not found")

// Metadata is the common document header.
type Metadata struct {
	Name        string            `yaml:"name"`
	Annotations map[string]string `yaml:"annotations"`
}

// Document is the generic YAML document envelope. The spec payload is kept
// as a raw node and decoded per kind on demand.
type Document struct {
	Kind     string    `yaml:"kind"`
	Metadata Metadata  `yaml:"metadata"`
	Spec     yaml.Node `yaml:"spec"`
}

// StackSpec is the payload of a Stack document.
type StackSpec struct {
	Models []StackModel `yaml:"models"`
}

// StackModel names one model instance within a stack.
type StackModel struct {
	Name        string       `yaml:"name"`
	UID         uint32       `yaml:"uid"`
	Model       ModelRef     `yaml:"model"`
	Propagators []Propagator `yaml:"propagators"`
}

type ModelRef struct {
	Name string `yaml:"name"`
}

type Propagator struct {
	Name string `yaml:"name"`
}

// ModelSpec is the payload of a Model document.
type ModelSpec struct {
	Runtime  RuntimeSpec   `yaml:"runtime"`
	Channels []ChannelSpec `yaml:"channels"`
}

type RuntimeSpec struct {
	Dynlib []DynlibSpec `yaml:"dynlib"`
	// Gateway marks the model as the built-in gateway; presence of the key
	// is what matters, so the raw node is kept.
	Gateway yaml.Node `yaml:"gateway"`
	// Builtin names an in-process model registered with the model registry.
	Builtin string `yaml:"builtin"`
}

// HasGateway reports whether the spec.runtime.gateway key exists.
func (r *RuntimeSpec) HasGateway() bool {
	return r.Gateway.Kind != 0
}

type DynlibSpec struct {
	OS   string `yaml:"os"`
	Arch string `yaml:"arch"`
	Path string `yaml:"path"`
}

// ChannelSpec declares a channel and its signals for models configured from
// YAML rather than programmatically (the gateway uses this).
type ChannelSpec struct {
	Name    string   `yaml:"name"`
	Signals []string `yaml:"signals"`
}

// StackSpec decodes the document payload as a Stack spec.
func (d *Document) StackSpec() (*StackSpec, error) {
	if d.Kind != KindStack {
		return nil, fmt.Errorf("document %q is kind %q, not %q", d.Metadata.Name, d.Kind, KindStack)
	}
	var spec StackSpec
	if err := d.Spec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("failed to decode stack spec of %q: %w", d.Metadata.Name, err)
	}
	return &spec, nil
}

// ModelSpec decodes the document payload as a Model spec.
func (d *Document) ModelSpec() (*ModelSpec, error) {
	if d.Kind != KindModel {
		return nil, fmt.Errorf("document %q is kind %q, not %q", d.Metadata.Name, d.Kind, KindModel)
	}
	var spec ModelSpec
	if err := d.Spec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("failed to decode model spec of %q: %w", d.Metadata.Name, err)
	}
	return &spec, nil
}

// Dynlib selects the dynlib entry for an (os, arch) pair.
func (s *ModelSpec) Dynlib(goos, goarch string) (*DynlibSpec, bool) {
	for i := range s.Runtime.Dynlib {
		d := &s.Runtime.Dynlib[i]
		if d.OS == goos && d.Arch == goarch {
			return d, true
		}
	}
	return nil, false
}

// Load parses all YAML documents in a file.
func Load(path string) ([]*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open descriptor file: %w", err)
	}
	defer f.Close()

	var docs []*Document
	dec := yaml.NewDecoder(f)
	for {
		var doc Document
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		docs = append(docs, &doc)
	}
	return docs, nil
}

// List is the simulation's ordered document list. The model instances hold
// borrowed references into it; it must be released last.
type List struct {
	docs []*Document
}

// LoadAll reads every file into one ordered list.
func LoadAll(paths []string) (*List, error) {
	l := &List{}
	for _, path := range paths {
		docs, err := Load(path)
		if err != nil {
			return nil, err
		}
		l.docs = append(l.docs, docs...)
	}
	return l, nil
}

// Merge appends auxiliary documents (e.g. a model's model.yaml).
func (l *List) Merge(docs []*Document) {
	l.docs = append(l.docs, docs...)
}

// Documents returns the ordered document list.
func (l *List) Documents() []*Document {
	return l.docs
}

// FindStackModel locates a Stack.spec.models entry by instance name.
func (l *List) FindStackModel(name string) (*StackModel, error) {
	for _, d := range l.docs {
		if d.Kind != KindStack {
			continue
		}
		spec, err := d.StackSpec()
		if err != nil {
			return nil, err
		}
		for i := range spec.Models {
			if spec.Models[i].Name == name {
				return &spec.Models[i], nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no stack model named %q", ErrDocumentNotFound, name)
}

// FindModelDoc locates a Model document by metadata name.
func (l *List) FindModelDoc(name string) (*Document, error) {
	for _, d := range l.docs {
		if d.Kind == KindModel && d.Metadata.Name == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: no model document named %q", ErrDocumentNotFound, name)
}
