package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDuneFetchPaginatesAndMapsColumns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/query/3112233/results" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Dune-API-Key") != "dune-key" {
			t.Fatalf("api key header missing")
		}
		switch r.URL.Query().Get("offset") {
		case "0":
			_, _ = w.Write([]byte(`{"state":"QUERY_STATE_COMPLETED","next_offset":2,"result":{"rows":[
			  {"ts":"2023-01-01 00:00:00.000 UTC","usd":1250.5,"blockchain":"ethereum"},
			  {"ts":"2023-01-02 00:00:00.000 UTC","usd":"99","blockchain":"base"}
			]}}`))
		case "2":
			_, _ = w.Write([]byte(`{"state":"QUERY_STATE_COMPLETED","result":{"rows":[
			  {"ts":"2023-01-03 00:00:00.000 UTC","usd":10,"blockchain":"ethereum"},
			  {"ts":"2023-03-01 00:00:00.000 UTC","usd":10,"blockchain":"ethereum"}
			]}}`))
		default:
			t.Fatalf("unexpected offset %s", r.URL.Query().Get("offset"))
		}
	}))
	defer srv.Close()

	d := NewDune(DuneOptions{BaseURL: srv.URL, APIKey: "dune-key", PageSize: 2}, noopLogger())
	obs, err := d.Fetch(context.Background(), Request{
		ProtocolID: "compound",
		ChainID:    "ethereum",
		Start:      day("2023-01-01"),
		End:        day("2023-02-01"),
		Target: Target{
			QueryID: 3112233,
			Columns: map[string]string{ColumnTimestamp: "ts", ColumnAmount: "usd", ColumnChain: "blockchain"},
		},
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(obs) != 2 {
		t.Fatalf("expected 2 ethereum rows inside the window, got %d", len(obs))
	}
	if obs[0].Amount != "1250.5" || obs[0].Timestamp != "2023-01-01T00:00:00Z" || obs[0].Category != "revenue" {
		t.Fatalf("unexpected first row %+v", obs[0])
	}
	if obs[0].RawRef != "" {
		t.Fatalf("dune rows carry no native reference, got %q", obs[0].RawRef)
	}
}

func TestDuneQueryNotCompleted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"state":"QUERY_STATE_EXECUTING","result":{"rows":[]}}`))
	}))
	defer srv.Close()

	d := NewDune(DuneOptions{BaseURL: srv.URL}, noopLogger())
	if _, err := d.Fetch(context.Background(), Request{ProtocolID: "x", Target: Target{QueryID: 1}}); err == nil {
		t.Fatal("executing query should fail")
	}
}

func TestParseDuneTime(t *testing.T) {
	cases := map[string]string{
		"2024-03-01 00:00:00.000 UTC": "2024-03-01T00:00:00Z",
		"2024-03-01":                  "2024-03-01T00:00:00Z",
		"1709251200":                  "2024-03-01T00:00:00Z",
	}
	for in, want := range cases {
		got, err := parseDuneTime(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if got.Format("2006-01-02T15:04:05Z07:00") != want {
			t.Fatalf("parse %q = %s, want %s", in, got, want)
		}
	}
	if _, err := parseDuneTime("yesterday"); err == nil {
		t.Fatal("garbage should not parse")
	}
}
