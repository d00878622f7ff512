package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// stubEmbedder returns a fixed vector without network calls.
type stubEmbedder struct {
	lastText string
	err      error
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	s.lastText = text
	if s.err != nil {
		return nil, s.err
	}
	return []float64{0.1, 0.2, 0.3}, nil
}

// fakeIndex is an httptest vector index speaking the upsert/fetch API.
type fakeIndex struct {
	mu      sync.Mutex
	vectors map[string]vecUpsertRequest
}

func newFakeIndex() (*fakeIndex, *httptest.Server) {
	f := &fakeIndex{vectors: map[string]vecUpsertRequest{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/vectors/upsert", func(w http.ResponseWriter, r *http.Request) {
		var req vecUpsertRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.vectors[req.ID] = req
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/vectors/fetch", func(w http.ResponseWriter, r *http.Request) {
		var req vecFetchRequest
		json.NewDecoder(r.Body).Decode(&req)
		var resp vecFetchResponse
		f.mu.Lock()
		for _, id := range req.IDs {
			if _, ok := f.vectors[id]; ok {
				resp.Vectors = append(resp.Vectors, struct {
					ID string `json:"id"`
				}{ID: id})
			}
		}
		f.mu.Unlock()
		json.NewEncoder(w).Encode(resp)
	})
	return f, httptest.NewServer(mux)
}

func TestVecWriteUpserts(t *testing.T) {
	ctx := context.Background()
	idx, srv := newFakeIndex()
	defer srv.Close()

	emb := &stubEmbedder{}
	vec, err := NewVecStore(VecConfig{IndexURL: srv.URL}, emb)
	if err != nil {
		t.Fatal(err)
	}

	rec := sampleRecord()
	if err := vec.Write(ctx, rec); err != nil {
		t.Fatal(err)
	}

	stored, ok := idx.vectors["rec-1"]
	if !ok {
		t.Fatal("vector not upserted")
	}
	if len(stored.Values) != 3 {
		t.Fatalf("values = %v", stored.Values)
	}
	if stored.Metadata["kind"] != "trustCheckIn" {
		t.Fatalf("metadata = %v", stored.Metadata)
	}
	if emb.lastText == "" {
		t.Fatal("embedder not called")
	}
}

func TestVecHas(t *testing.T) {
	ctx := context.Background()
	_, srv := newFakeIndex()
	defer srv.Close()

	vec, _ := NewVecStore(VecConfig{IndexURL: srv.URL}, &stubEmbedder{})
	rec := sampleRecord()

	if ok, err := vec.Has(ctx, rec); err != nil || ok {
		t.Fatalf("present before write: ok=%v err=%v", ok, err)
	}
	if err := vec.Write(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if ok, err := vec.Has(ctx, rec); err != nil || !ok {
		t.Fatalf("absent after write: ok=%v err=%v", ok, err)
	}
}

func TestVecBackfillMarkerInMetadata(t *testing.T) {
	ctx := context.Background()
	idx, srv := newFakeIndex()
	defer srv.Close()

	vec, _ := NewVecStore(VecConfig{IndexURL: srv.URL}, &stubEmbedder{})
	rec := sampleRecord()
	rec.Backfilled = true
	if err := vec.Write(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if idx.vectors["rec-1"].Metadata["backfilled"] != true {
		t.Fatalf("backfilled marker missing: %v", idx.vectors["rec-1"].Metadata)
	}
}

func TestVecIndexErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "index unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	vec, _ := NewVecStore(VecConfig{IndexURL: srv.URL}, &stubEmbedder{})
	if err := vec.Write(context.Background(), sampleRecord()); err == nil {
		t.Fatal("expected error from failing index")
	}
}

func TestVecRequiresIndexURL(t *testing.T) {
	if _, err := NewVecStore(VecConfig{}, &stubEmbedder{}); err == nil {
		t.Fatal("missing index URL accepted")
	}
}

func TestHTTPEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req embeddingRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Input == "" {
			http.Error(w, "empty input", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float64{1, 2}}},
		})
	}))
	defer srv.Close()

	emb := NewHTTPEmbedder(srv.URL, "test-key", "")
	values, err := emb.Embed(context.Background(), "trustCheckIn morning")
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != 2 {
		t.Fatalf("embedding = %v", values)
	}
}
