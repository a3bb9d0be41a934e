package store

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/betbot/botfleet/internal/domain"
	"github.com/betbot/botfleet/pkg/persistence"
)

// document is the bots_data.json layout: {"bots": {"<id>": {...}}}.
type document struct {
	Bots map[string]storedRecord `json:"bots"`
}

// JSONGateway keeps all records in one JSON document, rewritten whole on each change.
type JSONGateway struct {
	file *persistence.JSONFileStore

	mu  sync.Mutex
	doc *document
}

func NewJSON(path string) *JSONGateway {
	if path == "" {
		path = "data/bots_data.json"
	}
	return &JSONGateway{file: persistence.NewJSONFileStore(path)}
}

func (g *JSONGateway) Path() string { return g.file.Path() }

func (g *JSONGateway) read() (*document, error) {
	doc := &document{}
	err := g.file.Load(doc)
	if errors.Is(err, persistence.ErrNotExists) {
		err = nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", g.file.Path())
	}
	if doc.Bots == nil {
		doc.Bots = make(map[string]storedRecord)
	}
	return doc, nil
}

// loaded returns the cached document, reading it on first use. A document
// that cannot be read is replaced by an empty one on the next write.
func (g *JSONGateway) loaded() *document {
	if g.doc != nil {
		return g.doc
	}
	doc, err := g.read()
	if err != nil {
		doc = &document{Bots: make(map[string]storedRecord)}
	}
	g.doc = doc
	return doc
}

func (g *JSONGateway) Load(ctx context.Context) (map[string]domain.DeploymentRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	doc, err := g.read()
	if err != nil {
		return nil, err
	}
	g.doc = doc
	out := make(map[string]domain.DeploymentRecord, len(doc.Bots))
	for id, r := range doc.Bots {
		out[id] = r.toRecord(id)
	}
	return out, nil
}

func (g *JSONGateway) LoadAll(ctx context.Context) ([]domain.DeploymentRecord, error) {
	m, err := g.Load(ctx)
	if err != nil {
		return nil, err
	}
	return sortedValues(m), nil
}

func (g *JSONGateway) Save(ctx context.Context, id string, rec domain.DeploymentRecord) error {
	if err := checkID(id); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	doc := g.loaded()
	doc.Bots[id] = fromRecord(rec)
	return g.flush(doc)
}

func (g *JSONGateway) Remove(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	doc := g.loaded()
	if _, ok := doc.Bots[id]; !ok {
		return nil
	}
	delete(doc.Bots, id)
	return g.flush(doc)
}

func (g *JSONGateway) flush(doc *document) error {
	if err := g.file.Save(doc); err != nil {
		return domain.Wrap(domain.KindPersistence, err, "write "+g.file.Path())
	}
	return nil
}

func (g *JSONGateway) Close() error { return nil }
