// Package provenance records W3C PROV-style lineage linking prompts,
// responses, tools and agents. Documents are emitted in PROV-JSON form so
// downstream audit tooling can consume them without translation.
package provenance

import (
	"fmt"
	"time"
)

// Entity is a thing with provenance: a prompt, a response, a tool output.
type Entity struct {
	ID          string
	Label       string
	ContentHash string
	Attrs       map[string]any
}

// Activity is a bounded occurrence that generates or uses entities.
type Activity struct {
	ID    string
	Start time.Time
	End   time.Time
}

// Agent is the software acting in an activity.
type Agent struct {
	ID      string
	Type    string
	Version string
}

type relation struct {
	a, b string
}

// Graph accumulates PROV statements. Build it with the fluent Add/Link calls
// and serialize with Document.
type Graph struct {
	entities   []Entity
	activities []Activity
	agents     []Agent

	generated  []relation // entity <- activity
	used       []relation // activity -> entity
	associated []relation // activity -> agent
	attributed []relation // entity -> agent
	derived    []relation // generated entity <- used entity
}

// NewGraph creates an empty provenance graph.
func NewGraph() *Graph {
	return &Graph{}
}

// AddEntity registers an entity with an optional content hash in attrs.
func (g *Graph) AddEntity(id, label string, attrs map[string]any) *Graph {
	e := Entity{ID: id, Label: label, Attrs: attrs}
	if attrs != nil {
		if h, ok := attrs["content_hash"].(string); ok {
			e.ContentHash = h
		}
	}
	g.entities = append(g.entities, e)
	return g
}

// AddActivity registers an activity with start/end timestamps.
func (g *Graph) AddActivity(id string, start, end time.Time) *Graph {
	g.activities = append(g.activities, Activity{ID: id, Start: start, End: end})
	return g
}

// AddAgent registers a software agent.
func (g *Graph) AddAgent(id, agentType, version string) *Graph {
	g.agents = append(g.agents, Agent{ID: id, Type: agentType, Version: version})
	return g
}

// LinkGenerated records entity wasGeneratedBy activity.
func (g *Graph) LinkGenerated(entityID, activityID string) *Graph {
	g.generated = append(g.generated, relation{entityID, activityID})
	return g
}

// LinkUsed records activity used entity.
func (g *Graph) LinkUsed(activityID, entityID string) *Graph {
	g.used = append(g.used, relation{activityID, entityID})
	return g
}

// LinkAssociated records activity wasAssociatedWith agent.
func (g *Graph) LinkAssociated(activityID, agentID string) *Graph {
	g.associated = append(g.associated, relation{activityID, agentID})
	return g
}

// LinkAttributed records entity wasAttributedTo agent.
func (g *Graph) LinkAttributed(entityID, agentID string) *Graph {
	g.attributed = append(g.attributed, relation{entityID, agentID})
	return g
}

// LinkDerived records generatedEntity wasDerivedFrom usedEntity.
func (g *Graph) LinkDerived(generatedID, usedID string) *Graph {
	g.derived = append(g.derived, relation{generatedID, usedID})
	return g
}

// Document serializes the graph with PROV-JSON key names. Empty relation
// sections are omitted.
func (g *Graph) Document() map[string]any {
	doc := make(map[string]any)

	if len(g.entities) > 0 {
		entities := make(map[string]any, len(g.entities))
		for _, e := range g.entities {
			body := map[string]any{"prov:label": e.Label}
			if e.ContentHash != "" {
				body["arbiter:content_hash"] = e.ContentHash
			}
			for k, v := range e.Attrs {
				if k == "content_hash" {
					continue
				}
				body["arbiter:"+k] = v
			}
			entities[e.ID] = body
		}
		doc["entity"] = entities
	}

	if len(g.activities) > 0 {
		activities := make(map[string]any, len(g.activities))
		for _, a := range g.activities {
			body := map[string]any{}
			if !a.Start.IsZero() {
				body["prov:startTime"] = a.Start.UTC().Format(time.RFC3339Nano)
			}
			if !a.End.IsZero() {
				body["prov:endTime"] = a.End.UTC().Format(time.RFC3339Nano)
			}
			activities[a.ID] = body
		}
		doc["activity"] = activities
	}

	if len(g.agents) > 0 {
		agents := make(map[string]any, len(g.agents))
		for _, a := range g.agents {
			body := map[string]any{"prov:type": a.Type}
			if a.Version != "" {
				body["arbiter:version"] = a.Version
			}
			agents[a.ID] = body
		}
		doc["agent"] = agents
	}

	addRelations := func(key string, rels []relation, aKey, bKey string) {
		if len(rels) == 0 {
			return
		}
		section := make(map[string]any, len(rels))
		for i, r := range rels {
			section[fmt.Sprintf("_:%s%d", key, i+1)] = map[string]any{
				aKey: r.a,
				bKey: r.b,
			}
		}
		doc[key] = section
	}

	addRelations("wasGeneratedBy", g.generated, "prov:entity", "prov:activity")
	addRelations("used", g.used, "prov:activity", "prov:entity")
	addRelations("wasAssociatedWith", g.associated, "prov:activity", "prov:agent")
	addRelations("wasAttributedTo", g.attributed, "prov:entity", "prov:agent")
	addRelations("wasDerivedFrom", g.derived, "prov:generatedEntity", "prov:usedEntity")

	return doc
}
