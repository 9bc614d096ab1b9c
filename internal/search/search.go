// Package search finds items of an iteration by short name or name and
// returns them in their canonical order.
package search

import "reqorder/api/internal/ordering"

// Result is a single search hit returned to the caller.
type Result struct {
	ID          string        `json:"id"`
	Kind        ordering.Kind `json:"kind"`
	ShortName   string        `json:"shortName"`
	Name        string        `json:"name"`
	ContainerID string        `json:"containerId"`
	GroupID     string        `json:"groupId,omitempty"`
	OrderKey    string        `json:"orderKey"`
	Snippet     string        `json:"snippet,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text        string
	IterationID string
	Kind        ordering.Kind // empty = all kinds
	Limit       int
	Offset      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push items into a search index.
type Indexer interface {
	IndexItems(items []ItemRecord) error
	DeleteItem(id string) error
}

// ItemRecord is the data we index for an item. SortKey is the key's sort
// value so unordered items land after every ordered one.
type ItemRecord struct {
	ID          string `json:"id"`
	IterationID string `json:"iterationId"`
	Kind        string `json:"kind"`
	ShortName   string `json:"shortName"`
	Name        string `json:"name"`
	ContainerID string `json:"containerId"`
	GroupID     string `json:"groupId"`
	OrderKey    string `json:"orderKey"`
	SortKey     int64  `json:"sortKey"`
}

// RecordsFromSnapshot flattens a snapshot into index records.
func RecordsFromSnapshot(snap *ordering.Snapshot) []ItemRecord {
	items := snap.Items()
	out := make([]ItemRecord, 0, len(items))
	for _, it := range items {
		out = append(out, recordFromItem(snap.IterationID, it))
	}
	return out
}

// RecordsFor returns the records of the given item ids, skipping unknown ones.
func RecordsFor(snap *ordering.Snapshot, ids []string) []ItemRecord {
	out := make([]ItemRecord, 0, len(ids))
	for _, id := range ids {
		if it, ok := snap.Item(id); ok {
			out = append(out, recordFromItem(snap.IterationID, it))
		}
	}
	return out
}

func recordFromItem(iterationID string, it *ordering.Item) ItemRecord {
	key := it.Key()
	return ItemRecord{
		ID:          it.ID,
		IterationID: iterationID,
		Kind:        string(it.Kind),
		ShortName:   it.ShortName,
		Name:        it.Name,
		ContainerID: it.ContainerID,
		GroupID:     it.GroupID,
		OrderKey:    key.String(),
		SortKey:     int64(key.SortValue()),
	}
}

func resultFromRecord(r ItemRecord) Result {
	return Result{
		ID:          r.ID,
		Kind:        ordering.Kind(r.Kind),
		ShortName:   r.ShortName,
		Name:        r.Name,
		ContainerID: r.ContainerID,
		GroupID:     r.GroupID,
		OrderKey:    r.OrderKey,
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 200 {
		return 200
	}
	return limit
}
