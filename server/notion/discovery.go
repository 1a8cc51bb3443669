package notion

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/planware/syncd/server/model"
)

// Discovery inspects upstream database schemas and validates that declared
// relations still point at live pages. Operators use it after schema edits
// upstream to catch broken property mappings before they surface as
// SchemaMismatch failures.

// PropertyReport describes one property of a database schema.
type PropertyReport struct {
	Name           string   `json:"name"`
	ID             string   `json:"id"`
	Type           string   `json:"type"`
	Options        []string `json:"options,omitempty"`
	RelationTarget string   `json:"relationTarget,omitempty"`
}

// RelationReport summarizes referential health of one relation property.
type RelationReport struct {
	Property       string `json:"property"`
	TargetDatabase string `json:"targetDatabase"`
	ReferencesSeen int    `json:"referencesSeen"`
	Orphans        int    `json:"orphans"`
}

// DiscoveryReport is the full report for one entity kind.
type DiscoveryReport struct {
	Kind       model.EntityKind `json:"kind"`
	DatabaseID string           `json:"databaseId"`
	Title      string           `json:"title"`
	Properties []PropertyReport `json:"properties"`
	Relations  []RelationReport `json:"relations"`
}

// GetDatabaseSchema retrieves the raw schema for a kind.
func (c *Client) GetDatabaseSchema(ctx context.Context, kind model.EntityKind) (DiscoveryReport, error) {
	dbID := c.dbs.For(kind)
	report := DiscoveryReport{Kind: kind, DatabaseID: dbID}
	if dbID == "" {
		return report, fmt.Errorf("notion: no database configured for kind %s", kind)
	}

	var db database
	if err := c.call(ctx, "get_database", http.MethodGet, "/v1/databases/"+dbID, nil, &db); err != nil {
		return report, err
	}
	report.Title = plainText(db.Title)

	for name, prop := range db.Properties {
		pr := PropertyReport{Name: name, ID: prop.ID, Type: prop.Type}
		if prop.Select != nil {
			for _, o := range prop.Select.Options {
				pr.Options = append(pr.Options, o.Name)
			}
		}
		if prop.Status != nil {
			for _, o := range prop.Status.Options {
				pr.Options = append(pr.Options, o.Name)
			}
		}
		if prop.Relation != nil {
			pr.RelationTarget = prop.Relation.DatabaseID
		}
		report.Properties = append(report.Properties, pr)
	}
	sort.Slice(report.Properties, func(i, j int) bool {
		return report.Properties[i].Name < report.Properties[j].Name
	})
	return report, nil
}

// ValidateRelations fills in orphan counts: for every relation property of
// kind's database, each referenced id must exist in the target database.
// Heavy on upstream calls, so callers should run it at low priority.
func (c *Client) ValidateRelations(ctx context.Context, kind model.EntityKind) (DiscoveryReport, error) {
	report, err := c.GetDatabaseSchema(ctx, kind)
	if err != nil {
		return report, err
	}

	sourcePages, err := c.queryAll(ctx, "validate_relations", report.DatabaseID, nil)
	if err != nil {
		return report, err
	}

	// One pass per target database: load its live page ids, then count
	// dangling references from the source side.
	targetIDs := make(map[string]map[string]bool)
	for _, prop := range report.Properties {
		if prop.RelationTarget == "" || targetIDs[prop.RelationTarget] != nil {
			continue
		}
		targetPages, err := c.queryAll(ctx, "validate_relations", prop.RelationTarget, nil)
		if err != nil {
			return report, err
		}
		ids := make(map[string]bool, len(targetPages))
		for _, p := range targetPages {
			if !p.Archived {
				ids[p.ID] = true
			}
		}
		targetIDs[prop.RelationTarget] = ids
	}

	for _, prop := range report.Properties {
		if prop.RelationTarget == "" {
			continue
		}
		rr := RelationReport{Property: prop.Name, TargetDatabase: prop.RelationTarget}
		live := targetIDs[prop.RelationTarget]
		for _, p := range sourcePages {
			for _, id := range relationIDs(p, prop.Name) {
				rr.ReferencesSeen++
				if !live[id] {
					rr.Orphans++
				}
			}
		}
		report.Relations = append(report.Relations, rr)
	}
	return report, nil
}
