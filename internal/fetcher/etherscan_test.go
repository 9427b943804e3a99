package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

const treasury = "0x464c71f6c2f760dda6093dcb91c24c39e5d6e18c"

func TestEtherscanFetchIncomingTransfers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("apikey") != "secret" || q.Get("chainid") != "1" {
			t.Fatalf("unexpected query %s", r.URL.RawQuery)
		}
		switch q.Get("action") {
		case "getblocknobytime":
			if q.Get("closest") == "after" {
				_, _ = w.Write([]byte(`{"status":"1","message":"OK","result":"100"}`))
			} else {
				_, _ = w.Write([]byte(`{"status":"1","message":"OK","result":"200"}`))
			}
		case "tokentx":
			if q.Get("startblock") != "100" || q.Get("endblock") != "200" {
				t.Fatalf("block range not propagated: %s", r.URL.RawQuery)
			}
			if q.Get("contractaddress") != "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48" {
				t.Fatalf("token filter missing")
			}
			_, _ = w.Write([]byte(`{"status":"1","message":"OK","result":[
			  {"timeStamp":"1672531300","hash":"0xaa","from":"0xABC","to":"` + treasury + `","value":"2500000","tokenDecimal":"6","tokenSymbol":"USDC","logIndex":"7"},
			  {"timeStamp":"1672531400","hash":"0xbb","from":"` + treasury + `","to":"0xdef","value":"1000000","tokenDecimal":"6","tokenSymbol":"USDC"},
			  {"timeStamp":"1672531500","hash":"0xcc","from":"0xabd","to":"` + treasury + `","value":"0","tokenDecimal":"6","tokenSymbol":"USDC"},
			  {"timeStamp":"1675209700","hash":"0xdd","from":"0xabe","to":"` + treasury + `","value":"1000000","tokenDecimal":"6","tokenSymbol":"USDC"}
			]}`))
		default:
			t.Fatalf("unexpected action %s", q.Get("action"))
		}
	}))
	defer srv.Close()

	es := NewEtherscan(EtherscanOptions{BaseURL: srv.URL, APIKey: "secret", Timeout: time.Second}, noopLogger())
	obs, err := es.Fetch(context.Background(), Request{
		ProtocolID: "maker",
		ChainID:    "Ethereum",
		Start:      day("2023-01-01"),
		End:        day("2023-02-01"),
		Target: Target{
			Address: treasury,
			Token:   "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
			FeeType: "stability_fee",
		},
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(obs) != 1 {
		t.Fatalf("只应保留窗口内的转入记录, got %d", len(obs))
	}
	got := obs[0]
	if got.Amount != "2.5" || got.Currency != "USDC" || got.RawRef != "0xaa:7" {
		t.Fatalf("unexpected observation %+v", got)
	}
	if got.Counterparty != "0xabc" || got.FeeType != "stability_fee" || got.Category != "fees" {
		t.Fatalf("unexpected attribution %+v", got)
	}
}

func TestEtherscanEmptyAccount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("action") == "getblocknobytime" {
			_, _ = w.Write([]byte(`{"status":"0","message":"NOTOK","result":"Error! No closest block found"}`))
			return
		}
		if r.URL.Query().Get("startblock") != "0" {
			t.Fatalf("failed block lookup should scan from genesis")
		}
		_, _ = w.Write([]byte(`{"status":"0","message":"No transactions found","result":[]}`))
	}))
	defer srv.Close()

	es := NewEtherscan(EtherscanOptions{BaseURL: srv.URL}, noopLogger())
	obs, err := es.Fetch(context.Background(), Request{ProtocolID: "x", Start: day("2023-01-01"), End: day("2023-01-02"), Target: Target{Address: treasury}})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(obs) != 0 {
		t.Fatalf("expected no observations, got %d", len(obs))
	}
}

func TestEtherscanRetriesRateLimit(t *testing.T) {
	var listCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("action") == "getblocknobytime" {
			_, _ = w.Write([]byte(`{"status":"1","message":"OK","result":"1"}`))
			return
		}
		if atomic.AddInt32(&listCalls, 1) == 1 {
			_, _ = w.Write([]byte(`{"status":"0","message":"NOTOK","result":"Max rate limit reached"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"1","message":"OK","result":[]}`))
	}))
	defer srv.Close()

	es := NewEtherscan(EtherscanOptions{BaseURL: srv.URL, RetryCount: 2, RetryWait: time.Millisecond}, noopLogger())
	if _, err := es.Fetch(context.Background(), Request{ProtocolID: "x", Start: day("2023-01-01"), End: day("2023-01-02"), Target: Target{Address: treasury}}); err != nil {
		t.Fatalf("rate limited call should be retried: %v", err)
	}
	if atomic.LoadInt32(&listCalls) != 2 {
		t.Fatalf("expected one retry, got %d calls", listCalls)
	}
}

func TestEtherscanUnsupportedChain(t *testing.T) {
	es := NewEtherscan(EtherscanOptions{}, noopLogger())
	if _, err := es.Fetch(context.Background(), Request{ChainID: "solana", Target: Target{Address: treasury}}); err == nil {
		t.Fatal("unsupported chain should fail")
	}
}

func TestEtherscanSkipsUnreadableTransfers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("action") == "getblocknobytime" {
			_, _ = w.Write([]byte(`{"status":"1","message":"OK","result":"1"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"1","message":"OK","result":[
		  {"timeStamp":"1672531300","hash":"0xaa","from":"0xabc","to":"` + treasury + `","value":"1000000000000000000"},
		  {"timeStamp":"soon","hash":"0xbb","from":"0xabc","to":"` + treasury + `","value":"1"},
		  {"timeStamp":"1672531400","hash":"0xcc","from":"0xabc","to":"` + treasury + `","value":"1.5"},
		  {"timeStamp":"1672531500","hash":"0xdd","from":"0xabd","to":"` + treasury + `","value":"2000000000000000000"}
		]}`))
	}))
	defer srv.Close()

	es := NewEtherscan(EtherscanOptions{BaseURL: srv.URL}, noopLogger())
	obs, err := es.Fetch(context.Background(), Request{ProtocolID: "compound", Start: day("2023-01-01"), End: day("2023-01-02"), Target: Target{Address: treasury}})
	var partial *PartialError
	if !errors.As(err, &partial) || len(partial.Skipped) != 2 {
		t.Fatalf("expected 2 skipped transfers, got %v", err)
	}
	if len(obs) != 2 || obs[0].Amount != "1" || obs[1].Amount != "2" {
		t.Fatalf("readable transfers lost: %+v", obs)
	}
}
