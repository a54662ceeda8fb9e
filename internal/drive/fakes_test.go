package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"magazyn-plikow/internal/database"
	"magazyn-plikow/internal/models"
	"magazyn-plikow/internal/storage"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// memMetadata is an in-memory Metadata. Transactions are serialized and
// roll back by restoring a snapshot.
type memMetadata struct {
	txMu sync.Mutex
	mu   sync.Mutex

	nodes  map[string]models.Node
	events []string
	clock  time.Time

	failUpdateSize error
	ancestryDelay  time.Duration
	treeLocks      int
}

func newMemMetadata() *memMetadata {
	return &memMetadata{
		nodes: make(map[string]models.Node),
		clock: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (m *memMetadata) InTx(ctx context.Context, fn func(Repository) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snapshot := make(map[string]models.Node, len(m.nodes))
	for k, v := range m.nodes {
		snapshot[k] = v
	}
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.nodes = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memMetadata) nameTaken(ownerID int64, parentID *string, name, exceptID string) bool {
	for _, n := range m.nodes {
		if n.ID != exceptID && n.OwnerID == ownerID && n.Name == name && sameParent(n.ParentID, parentID) {
			return true
		}
	}
	return false
}

func (m *memMetadata) CreateNode(ctx context.Context, arg database.CreateNodeParams) (*models.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if arg.ParentID != nil {
		if _, ok := m.nodes[*arg.ParentID]; !ok {
			return nil, database.ErrParentNotFound
		}
	}
	if m.nameTaken(arg.OwnerID, arg.ParentID, arg.Name, "") {
		return nil, database.ErrDuplicateNodeName
	}
	if _, ok := m.nodes[arg.ID]; ok {
		return nil, fmt.Errorf("duplicate id %s", arg.ID)
	}

	m.clock = m.clock.Add(time.Second)
	node := models.Node{
		ID:         arg.ID,
		OwnerID:    arg.OwnerID,
		ParentID:   arg.ParentID,
		Name:       arg.Name,
		NodeType:   arg.NodeType,
		Location:   arg.Location,
		SizeBytes:  arg.SizeBytes,
		MimeType:   arg.MimeType,
		CreatedAt:  m.clock,
		ModifiedAt: m.clock,
	}
	m.nodes[node.ID] = node
	return &node, nil
}

func (m *memMetadata) NodeExists(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.nodes[id]
	return ok, nil
}

func (m *memMetadata) GetNodeByID(ctx context.Context, id string) (*models.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[id]
	if !ok {
		return nil, nil
	}
	return &node, nil
}

func paginate(nodes []models.Node, limit, offset int) []models.Node {
	if offset >= len(nodes) {
		return []models.Node{}
	}
	end := offset + limit
	if end > len(nodes) {
		end = len(nodes)
	}
	return nodes[offset:end]
}

func (m *memMetadata) GetNodesByParentID(ctx context.Context, ownerID int64, parentID *string, limit int, offset int) ([]models.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Node
	for _, n := range m.nodes {
		if n.OwnerID == ownerID && sameParent(n.ParentID, parentID) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeType != out[j].NodeType {
			return out[i].IsFolder()
		}
		return out[i].Name < out[j].Name
	})
	return paginate(out, limit, offset), nil
}

func (m *memMetadata) ListNodesByOwner(ctx context.Context, ownerID int64, limit int, offset int) ([]models.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Node
	for _, n := range m.nodes {
		if n.OwnerID == ownerID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, limit, offset), nil
}

func (m *memMetadata) SumChildSizes(ctx context.Context, folderID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	for _, n := range m.nodes {
		if n.ParentID != nil && *n.ParentID == folderID {
			total += n.SizeBytes
		}
	}
	return total, nil
}

func (m *memMetadata) UpdateNodeSize(ctx context.Context, id string, sizeBytes int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failUpdateSize != nil {
		return false, m.failUpdateSize
	}
	node, ok := m.nodes[id]
	if !ok || !node.IsFolder() {
		return false, nil
	}
	node.SizeBytes = sizeBytes
	m.nodes[id] = node
	return true, nil
}

func (m *memMetadata) ListDescendantFiles(ctx context.Context, folderID string) ([]models.DescendantFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.DescendantFile
	var walk func(parentID, prefix string)
	walk = func(parentID, prefix string) {
		for _, n := range m.nodes {
			if n.ParentID == nil || *n.ParentID != parentID {
				continue
			}
			rel := prefix + n.Name
			if n.IsFolder() {
				walk(n.ID, rel+"/")
				continue
			}
			out = append(out, models.DescendantFile{Node: n, RelPath: rel})
		}
	}
	walk(folderID, "")
	sort.Slice(out, func(i, j int) bool { return out[i].RelPath < out[j].RelPath })
	return out, nil
}

func (m *memMetadata) DeleteSubtree(ctx context.Context, id string, ownerID int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	root, ok := m.nodes[id]
	if !ok || root.OwnerID != ownerID {
		return []string{}, nil
	}

	locations := []string{}
	queue := []string{id}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, n := range m.nodes {
			if n.ParentID != nil && *n.ParentID == current {
				queue = append(queue, n.ID)
			}
		}
		node := m.nodes[current]
		if !node.IsFolder() && node.Location != nil {
			locations = append(locations, *node.Location)
		}
		delete(m.nodes, current)
	}
	return locations, nil
}

func (m *memMetadata) RenameNode(ctx context.Context, id string, ownerID int64, newName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.nodes[id]
	if !ok || node.OwnerID != ownerID {
		return false, nil
	}
	if m.nameTaken(ownerID, node.ParentID, newName, id) {
		return false, database.ErrDuplicateNodeName
	}
	node.Name = newName
	m.nodes[id] = node
	return true, nil
}

func (m *memMetadata) MoveNode(ctx context.Context, id string, ownerID int64, newParentID *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.nodes[id]
	if !ok || node.OwnerID != ownerID {
		return false, nil
	}
	if m.nameTaken(ownerID, newParentID, node.Name, id) {
		return false, database.ErrDuplicateNodeName
	}
	node.ParentID = newParentID
	m.nodes[id] = node
	return true, nil
}

func (m *memMetadata) IsDescendantOf(ctx context.Context, nodeID string, potentialChildID string) (bool, error) {
	if m.ancestryDelay > 0 {
		time.Sleep(m.ancestryDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current := potentialChildID
	for steps := 0; steps <= len(m.nodes); steps++ {
		if current == nodeID {
			return true, nil
		}
		node, ok := m.nodes[current]
		if !ok || node.ParentID == nil {
			return false, nil
		}
		current = *node.ParentID
	}
	return false, nil
}

// LockOwnerTree only counts calls; InTx already serializes transactions.
func (m *memMetadata) LockOwnerTree(ctx context.Context, ownerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.treeLocks++
	return ctx.Err()
}

func (m *memMetadata) LogEvent(ctx context.Context, userID int64, eventType string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(map[string]interface{}{"type": eventType, "payload": payload})
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.events = append(m.events, eventType)
	m.mu.Unlock()
	return data, nil
}

// put stores a node directly, bypassing validation.
func (m *memMetadata) put(n models.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[n.ID] = n
}

func (m *memMetadata) node(t *testing.T, id string) models.Node {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	require.True(t, ok, "węzeł %s nie istnieje", id)
	return n
}

func (m *memMetadata) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nodes)
}

func (m *memMetadata) byPath(t *testing.T, ownerID int64, parentID *string, p string) models.Node {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	current := parentID
	var found models.Node
	for _, part := range strings.Split(p, "/") {
		ok := false
		for _, n := range m.nodes {
			if n.OwnerID == ownerID && n.Name == part && sameParent(n.ParentID, current) {
				found, ok = n, true
				break
			}
		}
		require.True(t, ok, "brak ścieżki %s", p)
		id := found.ID
		current = &id
	}
	return found
}

func (m *memMetadata) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

// memBlobs is an in-memory BlobStore with failure injection.
type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int

	// failPut is consulted with the 1-based number of the put.
	failPut func(n int) error
	failGet func(key string) error

	// hangPut and hangGet block the call until its context is done.
	hangPut func(n int) bool
	hangGet func(key string) bool
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: make(map[string][]byte)}
}

func (b *memBlobs) Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) (string, error) {
	b.mu.Lock()
	b.puts++
	n := b.puts
	b.mu.Unlock()

	if b.failPut != nil {
		if err := b.failPut(n); err != nil {
			return "", err
		}
	}
	if b.hangPut != nil && b.hangPut(n) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	content, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	if size >= 0 && int64(len(content)) != size {
		return "", fmt.Errorf("short write for %s: expected %d bytes, got %d", key, size, len(content))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = content
	return key, nil
}

func (b *memBlobs) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if b.failGet != nil {
		if err := b.failGet(key); err != nil {
			return nil, err
		}
	}
	if b.hangGet != nil && b.hangGet(key) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	content, ok := b.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (b *memBlobs) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func (b *memBlobs) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

func (b *memBlobs) get(key string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.objects[key]
}

var errInjected = errors.New("injected failure")

func withRemoteTimeout(d time.Duration) func(*Options) {
	return func(o *Options) { o.RemoteTimeout = d }
}

type testEnv struct {
	engine  *Engine
	meta    *memMetadata
	blobs   *memBlobs
	staging string
}

func newTestEnv(t *testing.T, tweaks ...func(*Options)) *testEnv {
	t.Helper()
	meta := newMemMetadata()
	blobs := newMemBlobs()
	staging := t.TempDir()

	opts := Options{
		MaxFileSize:         1024,
		UploadConcurrency:   4,
		DownloadConcurrency: 2,
		RemoteTimeout:       5 * time.Second,
		StagingDir:          staging,
		Logger:              zerolog.Nop(),
	}
	for _, tweak := range tweaks {
		tweak(&opts)
	}

	engine, err := New(meta, blobs, opts)
	require.NoError(t, err)

	return &testEnv{engine: engine, meta: meta, blobs: blobs, staging: staging}
}

func (env *testEnv) requireStagingEmpty(t *testing.T) {
	t.Helper()
	entries, err := readDirNames(env.staging)
	require.NoError(t, err)
	require.Empty(t, entries, "katalog tymczasowy powinien zostać usunięty")
}

type zipEntry struct {
	name string
	body string
}

// buildZip writes entries in the given order; names ending in "/" become
// directory entries.
func buildZip(t *testing.T, entries ...zipEntry) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		if !strings.HasSuffix(e.name, "/") {
			_, err = w.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, zw.Close())
	return bytes.NewReader(buf.Bytes())
}

func readZip(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	out := make(map[string]string, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		out[f.Name] = string(content)
	}
	return out
}

func strPtr(s string) *string {
	return &s
}

func readDirNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
