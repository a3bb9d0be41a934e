package store

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/betbot/botfleet/internal/domain"
	"github.com/betbot/botfleet/pkg/secretstore"
)

const badgerPrefix = "bot/"

// BadgerGateway stores each record as JSON under "bot/<id>".
type BadgerGateway struct {
	kv    *secretstore.Store
	owned bool
}

// NewBadger wraps kv. When owned is true Close also closes kv.
func NewBadger(kv *secretstore.Store, owned bool) *BadgerGateway {
	return &BadgerGateway{kv: kv, owned: owned}
}

func (g *BadgerGateway) Load(ctx context.Context) (map[string]domain.DeploymentRecord, error) {
	out := make(map[string]domain.DeploymentRecord)
	err := g.kv.ScanPrefix(badgerPrefix, func(key string, val []byte) error {
		id := strings.TrimPrefix(key, badgerPrefix)
		var r storedRecord
		if err := json.Unmarshal(val, &r); err != nil {
			return errors.Wrapf(err, "decode %s", key)
		}
		out[id] = r.toRecord(id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *BadgerGateway) LoadAll(ctx context.Context) ([]domain.DeploymentRecord, error) {
	m, err := g.Load(ctx)
	if err != nil {
		return nil, err
	}
	return sortedValues(m), nil
}

func (g *BadgerGateway) Save(ctx context.Context, id string, rec domain.DeploymentRecord) error {
	if err := checkID(id); err != nil {
		return err
	}
	b, err := json.Marshal(fromRecord(rec))
	if err != nil {
		return errors.Wrap(err, "encode record")
	}
	if err := g.kv.SetBytes(badgerPrefix+id, b); err != nil {
		return domain.Wrap(domain.KindPersistence, err, "badger set")
	}
	return nil
}

func (g *BadgerGateway) Remove(ctx context.Context, id string) error {
	if err := g.kv.Delete(badgerPrefix + id); err != nil {
		return domain.Wrap(domain.KindPersistence, err, "badger delete")
	}
	return nil
}

func (g *BadgerGateway) Close() error {
	if !g.owned {
		return nil
	}
	return g.kv.Close()
}
