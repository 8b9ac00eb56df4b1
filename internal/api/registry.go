package api

import (
	"github.com/annomap-sc/server/internal/refstore"
)

// DatasetInfo describes a query dataset for the API response.
type DatasetInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Cells int    `json:"cells"`
	Genes int    `json:"genes"`
}

// ReferenceInfo describes a loaded reference for the API response.
type ReferenceInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Labels      []string `json:"labels"`
	Samples     int      `json:"samples"`
	Genes       int      `json:"genes"`
}

// Registry holds the query datasets and references the server annotates
// with. It is populated at startup and read-only afterwards.
type Registry struct {
	datasets     map[string]*refstore.Dataset
	datasetOrder []string
	references   map[string]*refstore.Reference
	refOrder     []string
	title        string
}

// NewRegistry creates an empty registry.
func NewRegistry(title string) *Registry {
	return &Registry{
		datasets:   make(map[string]*refstore.Dataset),
		references: make(map[string]*refstore.Reference),
		title:      title,
	}
}

// RegisterDataset adds a query dataset under the given ID.
func (r *Registry) RegisterDataset(id string, ds *refstore.Dataset) {
	if _, ok := r.datasets[id]; !ok {
		r.datasetOrder = append(r.datasetOrder, id)
	}
	r.datasets[id] = ds
}

// RegisterReference adds a reference under its bundle name.
func (r *Registry) RegisterReference(ref *refstore.Reference) {
	if _, ok := r.references[ref.Name]; !ok {
		r.refOrder = append(r.refOrder, ref.Name)
	}
	r.references[ref.Name] = ref
}

// Dataset returns the dataset registered under id, or nil.
func (r *Registry) Dataset(id string) *refstore.Dataset {
	return r.datasets[id]
}

// Reference returns the reference registered under name, or nil.
func (r *Registry) Reference(name string) *refstore.Reference {
	return r.references[name]
}

// ReferenceNames returns all reference names in registration order.
func (r *Registry) ReferenceNames() []string {
	return r.refOrder
}

// DatasetIDs returns all dataset IDs in registration order.
func (r *Registry) DatasetIDs() []string {
	return r.datasetOrder
}

// Title returns the configured site title.
func (r *Registry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "AnnoMap"
}

// Datasets returns dataset info for all registered datasets.
func (r *Registry) Datasets() []DatasetInfo {
	infos := make([]DatasetInfo, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		ds := r.datasets[id]
		infos = append(infos, DatasetInfo{
			ID:    id,
			Name:  ds.Name,
			Cells: ds.Matrix.Cols(),
			Genes: len(ds.Genes),
		})
	}
	return infos
}

// References returns reference info for all registered references.
func (r *Registry) References() []ReferenceInfo {
	infos := make([]ReferenceInfo, 0, len(r.refOrder))
	for _, name := range r.refOrder {
		ref := r.references[name]
		infos = append(infos, ReferenceInfo{
			Name:        ref.Name,
			Description: ref.Description,
			Labels:      ref.LabelNames,
			Samples:     len(ref.Labels),
			Genes:       len(ref.Genes),
		})
	}
	return infos
}
