// Package seed loads bootstrap data from YAML into a store.
//
// A seed file maps plural, camel-cased entity names to lists of documents
// using the same field names as the JSON API:
//
//	roles:
//	  - id: 4b6f...
//	    name: Administrator
//	    scope: System
//	    allPermissions: true
//	    immutable: true
//	users:
//	  - email: admin@example.com
//	    name: Admin
//	    password: change-me
//	    roleId: 4b6f...
//
// Users may carry a plain "password", which is hashed on load. Documents
// without an id get a fresh one.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"gallery.dev/internal/auth"
	"gallery.dev/internal/obs"
	"gallery.dev/internal/store"
)

type section struct {
	key string
	typ store.EntityType
}

// sections lists the recognised keys in dependency order.
var sections = []section{
	{"roles", store.TypeRole},
	{"users", store.TypeUser},
	{"groups", store.TypeGroup},
	{"groupMemberships", store.TypeGroupMembership},
	{"userPermissions", store.TypeUserPermission},
	{"collections", store.TypeCollection},
	{"exhibits", store.TypeExhibit},
	{"cards", store.TypeCard},
	{"articles", store.TypeArticle},
	{"teams", store.TypeTeam},
	{"teamUsers", store.TypeTeamUser},
	{"teamCards", store.TypeTeamCard},
	{"exhibitMemberships", store.TypeExhibitMembership},
	{"collectionMemberships", store.TypeCollectionMembership},
}

// Document is a parsed seed file, entities in dependency order.
type Document struct {
	Entities []store.Entity
}

// LoadFile reads and parses a seed file.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return Parse(data)
}

// Parse decodes seed YAML.
func Parse(data []byte) (*Document, error) {
	var raw map[string][]map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: seed yaml: %v", store.ErrInvalidInput, err)
	}
	for key := range raw {
		if !slices.ContainsFunc(sections, func(s section) bool { return s.key == key }) {
			return nil, fmt.Errorf("%w: unknown seed section %q", store.ErrInvalidInput, key)
		}
	}

	doc := &Document{}
	for _, section := range sections {
		for i, item := range raw[section.key] {
			e, err := decode(section.typ, item)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", section.key, i, err)
			}
			doc.Entities = append(doc.Entities, e)
		}
	}
	return doc, nil
}

func decode(typ store.EntityType, item map[string]any) (store.Entity, error) {
	if _, ok := item["id"]; !ok {
		item["id"] = uuid.NewString()
	}
	if typ == store.TypeUser {
		if pw, ok := item["password"].(string); ok {
			hash, err := auth.HashPassword(pw)
			if err != nil {
				return nil, err
			}
			item["passwordHash"] = hash
		}
		delete(item, "password")
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	e, err := store.Decode(typ, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	if err := store.Check(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Apply writes every entity in one unit of work. Rows with the same id are
// replaced, so a file that names every id can be applied repeatedly.
func Apply(ctx context.Context, s store.Store, doc *Document) error {
	err := s.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, e := range doc.Entities {
			if err := tx.Put(ctx, e); err != nil {
				return fmt.Errorf("seed %s %s: %w", e.EntityType(), e.EntityID(), err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	obs.Log(ctx, obs.LevelInfo, "seed applied", map[string]any{"entities": len(doc.Entities)})
	return nil
}
