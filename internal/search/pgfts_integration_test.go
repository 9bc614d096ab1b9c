package search

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"reqorder/api/internal/store"
)

func TestPgFTSSearchReturnsCanonicalOrder(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("REQORDER_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("REQORDER_TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := store.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, `DROP SCHEMA public CASCADE; CREATE SCHEMA public`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := store.ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	s := store.NewPostgresStore(db)
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(s.InsertDomain(ctx, store.Domain{ID: "dom-sys", ShortName: "SYS", Name: "Systems"}))
	must(s.InsertIteration(ctx, store.Iteration{ID: "it-1", ModelName: "LOFT", OrderParameterType: "pt-order"}))
	must(s.InsertItem(ctx, store.ItemRecord{ID: "S", IterationID: "it-1", Kind: "specification", ShortName: "SPEC", OwnerDomain: "dom-sys"}))
	for _, r := range []struct{ id, name, value string }{
		{"R1", "thermal margin", ""},
		{"R2", "thermal cycling", "200"},
		{"R3", "launch loads", "100"},
		{"R4", "thermal vacuum", "garbage"},
		{"R5", "thermal balance", "50"},
	} {
		must(s.InsertItem(ctx, store.ItemRecord{ID: r.id, IterationID: "it-1", Kind: "requirement", ShortName: r.id, Name: r.name, ParentID: "S", OwnerDomain: "dom-sys"}))
		if r.value != "" {
			must(s.InsertOrderValue(ctx, store.OrderValue{ID: "ov-" + r.id, ItemID: r.id, ParameterType: "pt-order", Value: r.value, OwnerDomain: "dom-sys"}))
		}
	}

	pg := NewPgFTS(db)
	results, total, err := pg.Search(Query{Text: "thermal", IterationID: "it-1", Kind: "requirement"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	var ids []string
	for _, r := range results {
		ids = append(ids, r.ID)
	}
	if want := "R5,R2,R1,R4"; strings.Join(ids, ",") != want || total != 4 {
		t.Fatalf("order = %v total = %d, want %s and 4", ids, total, want)
	}

	page, total, err := pg.Search(Query{Text: "thermal", IterationID: "it-1", Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("Search page: %v", err)
	}
	if total != 4 || len(page) != 1 || page[0].ID != "R2" {
		t.Fatalf("page = %+v total = %d", page, total)
	}

	records, err := pg.LoadIterationRecords(ctx, "it-1")
	if err != nil {
		t.Fatalf("LoadIterationRecords: %v", err)
	}
	if len(records) != 6 {
		t.Fatalf("records = %d, want 6", len(records))
	}
}
