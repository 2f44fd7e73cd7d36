package outline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// fakeOutline is an in-memory control API behind a self-signed certificate.
type fakeOutline struct {
	srv   *httptest.Server
	mu    sync.Mutex
	next  int
	keys  map[string]string
	names map[string]string
}

func newFakeOutline(t *testing.T) *fakeOutline {
	t.Helper()
	f := &fakeOutline{keys: map[string]string{}, names: map[string]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /secret/access-keys", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.next++
		id := fmt.Sprint(f.next)
		url := "ss://key" + id + "@example:443"
		f.keys[id] = url
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(AccessKey{ID: id, AccessURL: url})
	})
	mux.HandleFunc("PUT /secret/access-keys/{id}/name", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.names[r.PathValue("id")] = body.Name
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /secret/access-keys/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		id := r.PathValue("id")
		if _, ok := f.keys[id]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.keys, id)
		w.WriteHeader(http.StatusNoContent)
	})
	f.srv = httptest.NewTLSServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeOutline) URL() string { return f.srv.URL + "/secret" }

func (f *fakeOutline) Fingerprint() string {
	sum := sha256.Sum256(f.srv.Certificate().Raw)
	return hex.EncodeToString(sum[:])
}

func (f *fakeOutline) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}

func (f *fakeOutline) Name(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.names[id]
}
