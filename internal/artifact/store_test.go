package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/devblac/chainforge/internal/fault"
	"github.com/devblac/chainforge/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNode struct {
	mu      sync.Mutex
	content map[string][]byte
	pinned  map[string]bool
	adds    int
}

func newFakeNode() *fakeNode {
	return &fakeNode{content: map[string][]byte{}, pinned: map[string]bool{}}
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	defer n.mu.Unlock()
	arg := r.URL.Query().Get("arg")
	switch r.URL.Path {
	case "/api/v0/add":
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		sum := sha256.Sum256(data)
		hash := "bafy" + hex.EncodeToString(sum[:8])
		n.content[hash] = data
		n.pinned[hash] = r.URL.Query().Get("pin") == "true"
		n.adds++
		fmt.Fprintf(w, `{"Name":"file","Hash":%q,"Size":"%d"}`+"\n", hash, len(data))
	case "/api/v0/cat":
		data, ok := n.content[arg]
		if !ok {
			http.Error(w, "merkledag: not found", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(data)
	case "/api/v0/pin/add":
		if _, ok := n.content[arg]; !ok {
			http.Error(w, "pin: merkledag: not found", http.StatusInternalServerError)
			return
		}
		n.pinned[arg] = true
		fmt.Fprintf(w, `{"Pins":[%q]}`, arg)
	case "/api/v0/pin/rm":
		if !n.pinned[arg] {
			http.Error(w, "not pinned or pinned indirectly", http.StatusInternalServerError)
			return
		}
		n.pinned[arg] = false
		fmt.Fprintf(w, `{"Pins":[%q]}`, arg)
	case "/api/v0/version":
		_, _ = w.Write([]byte(`{"Version":"0.29.0"}`))
	default:
		http.NotFound(w, r)
	}
}

func newNodeStore(t *testing.T) (*Store, *fakeNode) {
	t.Helper()
	node := newFakeNode()
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)
	return NewStore(NewNodeClient(srv.URL, 0), "https://gateway.test/", logging.Discard()), node
}

func TestUploadBinaryReportsProgress(t *testing.T) {
	store, node := newNodeStore(t)
	data := bytes.Repeat([]byte("x"), 100_000)

	var seen []int64
	art, err := store.UploadBinary(context.Background(), data, "tile.png", func(transferred, total int64) {
		assert.Equal(t, int64(len(data)), total)
		seen = append(seen, transferred)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), art.Size)
	assert.True(t, art.Pinned)
	assert.Equal(t, "https://gateway.test/ipfs/"+art.Hash, art.URL)
	assert.Equal(t, 1, node.adds)

	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1])
	}
	assert.Equal(t, int64(len(data)), seen[len(seen)-1])
}

func TestUploadJSONRoundTripIsExact(t *testing.T) {
	store, _ := newNodeStore(t)
	raw := json.RawMessage(`{"tiles": [1, 2,3],  "name":"spawn"}`)

	art, err := store.UploadJSON(context.Background(), raw, "world.json")
	require.NoError(t, err)

	got, err := store.Fetch(context.Background(), art.Hash)
	require.NoError(t, err)
	assert.Equal(t, []byte(raw), got)
}

func TestUploadJSONRejectsInvalid(t *testing.T) {
	store, node := newNodeStore(t)
	_, err := store.UploadJSON(context.Background(), []byte("{nope"), "")
	assert.True(t, fault.Is(err, fault.InvalidInput))
	assert.Zero(t, node.adds)
}

func TestUploadBundleEmbedsImageURL(t *testing.T) {
	store, _ := newNodeStore(t)
	meta := map[string]any{"name": "Forge", "category": "building"}

	bundle, err := store.UploadBundle(context.Background(), []byte("png-bytes"), "forge", meta)
	require.NoError(t, err)
	assert.Equal(t, bundle.Metadata.URL, bundle.MetadataURL)
	_, mutated := meta["image"]
	assert.False(t, mutated)

	raw, err := store.Fetch(context.Background(), bundle.Metadata.Hash)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, bundle.Image.URL, doc["image"])
	assert.Equal(t, "Forge", doc["name"])
}

func TestFetchMissingIsClassified(t *testing.T) {
	store, _ := newNodeStore(t)
	_, err := store.Fetch(context.Background(), "bafymissing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, fault.Is(err, fault.UpstreamFailure))

	_, err = store.Fetch(context.Background(), " ")
	assert.True(t, fault.Is(err, fault.InvalidInput))
}

func TestPinAndUnpinAreBestEffort(t *testing.T) {
	store, node := newNodeStore(t)
	art, err := store.UploadBinary(context.Background(), []byte("abc"), "a", nil)
	require.NoError(t, err)

	assert.True(t, store.Unpin(context.Background(), art.Hash))
	assert.False(t, store.Unpin(context.Background(), art.Hash))
	assert.True(t, store.Pin(context.Background(), art.Hash))
	assert.True(t, node.pinned[art.Hash])
	assert.False(t, store.Pin(context.Background(), "bafymissing"))
}

func TestUnreachableStore(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	store := NewStore(NewNodeClient(srv.URL, 0), "https://gateway.test", logging.Discard())

	_, err := store.UploadBinary(context.Background(), []byte("abc"), "a", nil)
	assert.True(t, fault.Is(err, fault.NetworkUnavailable))
	assert.True(t, fault.Is(store.Ping(context.Background()), fault.NetworkUnavailable))
}

func TestPinningClient(t *testing.T) {
	content := map[string][]byte{}
	var auth []string
	mux := http.NewServeMux()
	mux.HandleFunc("/pinning/pinFileToIPFS", func(w http.ResponseWriter, r *http.Request) {
		auth = append(auth, r.Header.Get("Authorization"))
		f, _, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		data, _ := io.ReadAll(f)
		if len(data) > 64 {
			http.Error(w, "file too large for plan", http.StatusRequestEntityTooLarge)
			return
		}
		content["QmPinned"] = data
		_, _ = w.Write([]byte(`{"IpfsHash":"QmPinned","PinSize":3}`))
	})
	mux.HandleFunc("/pinning/pinByHash", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["hashToPin"] == "" {
			http.Error(w, "missing", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/pinning/unpin/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/data/testAuthentication", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret-jwt" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"message":"ok"}`))
	})
	mux.HandleFunc("/ipfs/", func(w http.ResponseWriter, r *http.Request) {
		data, ok := content[strings.TrimPrefix(r.URL.Path, "/ipfs/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := NewStore(NewPinningClient(srv.URL, srv.URL, "secret-jwt", 0), srv.URL, logging.Discard())
	ctx := context.Background()

	require.NoError(t, store.Ping(ctx))

	art, err := store.UploadBinary(ctx, []byte("abc"), "a.bin", nil)
	require.NoError(t, err)
	assert.Equal(t, "QmPinned", art.Hash)
	assert.Equal(t, []string{"Bearer secret-jwt"}, auth)

	got, err := store.Fetch(ctx, "QmPinned")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	_, err = store.UploadBinary(ctx, bytes.Repeat([]byte("y"), 100), "big.bin", nil)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.True(t, fault.Is(err, fault.UpstreamFailure))

	assert.True(t, store.Pin(ctx, "QmPinned"))
	assert.True(t, store.Unpin(ctx, "QmPinned"))

	_, err = store.Fetch(ctx, "QmMissing")
	assert.ErrorIs(t, err, ErrNotFound)
}
