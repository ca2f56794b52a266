// Package entities defines one loader per CRM entity type: where it lives
// in the REST API, which warehouse tables its payloads land in, and which
// other entity types must be loaded first for its foreign keys to resolve.
package entities

import (
	"context"
	"encoding/json"

	"github.com/johndauphine/crm-pg-loader/internal/api"
	"github.com/johndauphine/crm-pg-loader/internal/loader"
	"github.com/johndauphine/crm-pg-loader/internal/registry"
)

// restLoader is the shared fetch side of a paginated REST entity.
// Entity loaders embed it and add their Transform.
type restLoader struct {
	client     *api.Client
	pageSize   int
	entityType string
	resource   string
	collection string // envelope key holding the items
	order      string // sort passed to list calls, empty for endpoint default
	noSince    bool   // endpoint rejects the since filter
	deps       []string
}

func (l *restLoader) EntityType() string { return l.entityType }

func (l *restLoader) Dependencies() []string { return l.deps }

func (l *restLoader) FetchPage(ctx context.Context, cur loader.Cursor) (*api.Page, error) {
	opts := api.ListOptions{
		Limit:  l.pageSize,
		Offset: cur.Offset,
		Order:  l.order,
	}
	if !l.noSince {
		opts.Since = cur.LastSynced
	}
	return l.client.ListPage(ctx, l.resource, l.collection, opts)
}

func (l *restLoader) FetchByID(ctx context.Context, id string) (json.RawMessage, error) {
	return l.client.Get(ctx, l.resource, id)
}

// RegisterAll wires every entity loader into the registry. Registration
// order is the tie break when dependencies leave room, so independent
// types load in the order listed here.
func RegisterAll(reg *registry.Registry, client *api.Client, pageSize int) {
	reg.Register(NewCustomFieldLoader(client))
	reg.Register(NewTagLoader(client, pageSize))
	reg.Register(NewProductLoader(client, pageSize))
	reg.Register(NewContactLoader(client, pageSize))
	reg.Register(NewOpportunityLoader(client, pageSize))
	reg.Register(NewAffiliateLoader(client, pageSize))
	reg.Register(NewOrderLoader(client, pageSize))
	reg.Register(NewTaskLoader(client, pageSize))
	reg.Register(NewNoteLoader(client, pageSize))
	reg.Register(NewCampaignLoader(client, pageSize))
	reg.Register(NewSubscriptionLoader(client, pageSize))
}
