// Package catalog tracks the workflows providers offer for paid execution.
//
// An entry describes a workflow's interface (input schema, price,
// category) without ever holding the workflow graph itself; execution
// stays on the provider's hardware. Entries are online only while their
// provider holds a live gateway connection.
package catalog

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Entry is a published workflow listing.
type Entry struct {
	WorkflowID string
	ProviderID string
	Schema     InputSchema
	Price      decimal.Decimal
	Category   string
	Online     bool
	RunCount   int64
	CreatedAt  time.Time
}

// SortOrder selects the ordering for List.
type SortOrder string

const (
	// SortPopularity orders by run count, most-run first.
	SortPopularity SortOrder = "popularity"

	// SortPrice orders by price per run, cheapest first.
	SortPrice SortOrder = "price"
)

// Filter narrows List results.
type Filter struct {
	Category   string // empty matches all
	OnlineOnly bool
	Sort       SortOrder // empty means popularity
}

// Catalog is the in-memory registry of published workflows.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]*Entry // workflow id -> entry

	// onChange, when set, is invoked after every visible catalog
	// mutation so the gateway can broadcast catalog events.
	onChange func(workflowID, providerID string, online bool)
}

// New creates an empty catalog. onChange may be nil.
func New(onChange func(workflowID, providerID string, online bool)) *Catalog {
	return &Catalog{
		entries:  make(map[string]*Entry),
		onChange: onChange,
	}
}

// Publish lists a workflow. Re-publishing an existing workflow id by the
// same provider updates its schema, price and category in place and
// preserves the run counter; a different provider gets ErrNotOwner.
func (c *Catalog) Publish(providerID, workflowID string, schema InputSchema, price decimal.Decimal, category string) error {
	if price.IsNegative() {
		return ErrInvalidPrice
	}
	if err := schema.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	existing, ok := c.entries[workflowID]
	if ok && existing.ProviderID != providerID {
		c.mu.Unlock()
		return ErrNotOwner
	}
	online := false
	if ok {
		existing.Schema = schema
		existing.Price = price
		existing.Category = category
		online = existing.Online
	} else {
		c.entries[workflowID] = &Entry{
			WorkflowID: workflowID,
			ProviderID: providerID,
			Schema:     schema,
			Price:      price,
			Category:   category,
			CreatedAt:  time.Now(),
		}
	}
	c.mu.Unlock()

	c.changed(workflowID, providerID, online)
	return nil
}

// Unpublish delists a workflow immediately. In-flight jobs against it
// are unaffected; only new submissions stop seeing it.
func (c *Catalog) Unpublish(providerID, workflowID string) error {
	c.mu.Lock()
	e, ok := c.entries[workflowID]
	if !ok {
		c.mu.Unlock()
		return ErrWorkflowNotFound
	}
	if e.ProviderID != providerID {
		c.mu.Unlock()
		return ErrNotOwner
	}
	delete(c.entries, workflowID)
	c.mu.Unlock()

	c.changed(workflowID, providerID, false)
	return nil
}

// SetPrice updates a workflow's price per run.
func (c *Catalog) SetPrice(providerID, workflowID string, price decimal.Decimal) error {
	if price.IsNegative() {
		return ErrInvalidPrice
	}
	c.mu.Lock()
	e, ok := c.entries[workflowID]
	if !ok {
		c.mu.Unlock()
		return ErrWorkflowNotFound
	}
	if e.ProviderID != providerID {
		c.mu.Unlock()
		return ErrNotOwner
	}
	e.Price = price
	online := e.Online
	c.mu.Unlock()

	c.changed(workflowID, providerID, online)
	return nil
}

// SetOnline flips all of a provider's entries on or off, returning the
// affected workflow ids. Called on provider connect (with the offered
// workflow set) and disconnect.
func (c *Catalog) SetOnline(providerID string, online bool) []string {
	c.mu.Lock()
	var flipped []string
	for id, e := range c.entries {
		if e.ProviderID == providerID && e.Online != online {
			e.Online = online
			flipped = append(flipped, id)
		}
	}
	c.mu.Unlock()

	for _, id := range flipped {
		c.changed(id, providerID, online)
	}
	return flipped
}

// SetWorkflowOnline flips a single entry, used when a provider's ready
// frame offers a subset of its published workflows.
func (c *Catalog) SetWorkflowOnline(providerID, workflowID string, online bool) error {
	c.mu.Lock()
	e, ok := c.entries[workflowID]
	if !ok {
		c.mu.Unlock()
		return ErrWorkflowNotFound
	}
	if e.ProviderID != providerID {
		c.mu.Unlock()
		return ErrNotOwner
	}
	changed := e.Online != online
	e.Online = online
	c.mu.Unlock()

	if changed {
		c.changed(workflowID, providerID, online)
	}
	return nil
}

// Get returns the entry for workflowID.
func (c *Catalog) Get(workflowID string) (Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[workflowID]
	if !ok {
		return Entry{}, ErrWorkflowNotFound
	}
	return *e, nil
}

// List returns entries matching the filter in the requested order.
func (c *Catalog) List(f Filter) []Entry {
	c.mu.RLock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if f.Category != "" && e.Category != f.Category {
			continue
		}
		if f.OnlineOnly && !e.Online {
			continue
		}
		out = append(out, *e)
	}
	c.mu.RUnlock()

	switch f.Sort {
	case SortPrice:
		sort.Slice(out, func(i, j int) bool {
			if !out[i].Price.Equal(out[j].Price) {
				return out[i].Price.LessThan(out[j].Price)
			}
			return out[i].WorkflowID < out[j].WorkflowID
		})
	default:
		sort.Slice(out, func(i, j int) bool {
			if out[i].RunCount != out[j].RunCount {
				return out[i].RunCount > out[j].RunCount
			}
			return out[i].WorkflowID < out[j].WorkflowID
		})
	}
	return out
}

// RecordRun bumps the workflow's popularity counter.
func (c *Catalog) RecordRun(workflowID string) {
	c.mu.Lock()
	if e, ok := c.entries[workflowID]; ok {
		e.RunCount++
	}
	c.mu.Unlock()
}

func (c *Catalog) changed(workflowID, providerID string, online bool) {
	if c.onChange != nil {
		c.onChange(workflowID, providerID, online)
	}
}
