package engine

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"clipmesh/crypto"
	"clipmesh/models"
	"clipmesh/peers"
	"clipmesh/storage"
	"clipmesh/transport"
)

const (
	testNetworkName = "amber-falcon"
	testNetworkPin  = "123456"
)

type emittedEvent struct {
	event   string
	payload any
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emittedEvent
}

func (r *recordingEmitter) Emit(event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emittedEvent{event: event, payload: payload})
}

func (r *recordingEmitter) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.event == event {
			n++
		}
	}
	return n
}

func (r *recordingEmitter) payloads(event string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, e := range r.events {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

type recordingNotifier struct {
	mu            sync.Mutex
	notifications []string
}

func (r *recordingNotifier) Notify(title, body string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, title+": "+body)
}

func (r *recordingNotifier) contains(fragment string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notifications {
		if strings.Contains(n, fragment) {
			return true
		}
	}
	return false
}

type stubClipboard struct {
	mu     sync.Mutex
	writes []models.ClipboardContent
}

func (s *stubClipboard) Read() (models.ClipboardContent, bool) {
	return models.ClipboardContent{}, false
}

func (s *stubClipboard) Write(content models.ClipboardContent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, content)
	return nil
}

func (s *stubClipboard) lastText() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.writes) - 1; i >= 0; i-- {
		if s.writes[i].Text != "" {
			return s.writes[i].Text, true
		}
	}
	return "", false
}

func (s *stubClipboard) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func (s *stubClipboard) hasFilePath(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, write := range s.writes {
		for _, p := range write.FilePaths {
			if p == path {
				return true
			}
		}
	}
	return false
}

type testNode struct {
	deviceID  string
	dataDir   string
	downloads string

	store     *storage.Store
	registry  *peers.Registry
	trans     *transport.Transport
	engine    *Engine
	emitter   *recordingEmitter
	notifier  *recordingNotifier
	clipboard *stubClipboard
}

// startTestNode brings up a full node on an ephemeral loopback port. The
// heartbeat and prune loops are effectively disabled so tests drive every
// interaction explicitly.
func startTestNode(t *testing.T, deviceID string, mutate func(*Options)) *testNode {
	t.Helper()

	dataDir := t.TempDir()
	downloads := filepath.Join(dataDir, "downloads")
	if err := os.MkdirAll(downloads, 0o700); err != nil {
		t.Fatalf("create downloads dir: %v", err)
	}

	store, _, err := storage.Open(dataDir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	registry := peers.NewRegistry(peers.Options{
		LocalID: deviceID,
		SaveKnown: func(known map[string]models.Peer) error {
			return storage.SaveKnownPeers(dataDir, known)
		},
	})

	trans, err := transport.New(transport.Options{ListenPort: 0})
	if err != nil {
		t.Fatalf("start transport: %v", err)
	}
	t.Cleanup(trans.Stop)

	node := &testNode{
		deviceID:  deviceID,
		dataDir:   dataDir,
		downloads: downloads,
		store:     store,
		registry:  registry,
		trans:     trans,
		emitter:   &recordingEmitter{},
		notifier:  &recordingNotifier{},
		clipboard: &stubClipboard{},
	}

	opts := Options{
		DeviceID:          deviceID,
		Hostname:          deviceID + "-host",
		DataDir:           dataDir,
		Registry:          registry,
		Transport:         trans,
		Store:             store,
		Clipboard:         node.clipboard,
		Notifier:          node.notifier,
		Emitter:           node.emitter,
		DownloadsDir:      downloads,
		HistoryLimit:      50,
		HeartbeatInterval: time.Hour,
		PruneInterval:     time.Hour,
		SettleDelay:       time.Hour,
		SendTimeout:       3 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}

	eng, err := New(opts)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	eng.Start()
	t.Cleanup(eng.Stop)

	node.engine = eng
	return node
}

func (n *testNode) addr() string {
	return net.JoinHostPort("127.0.0.1", fmt.Sprint(n.trans.Port()))
}

func (n *testNode) asPeer() models.Peer {
	return models.Peer{
		ID:          n.deviceID,
		IP:          "127.0.0.1",
		Port:        n.trans.Port(),
		Hostname:    n.deviceID + "-host",
		NetworkName: testNetworkName,
	}
}

// joinTestCluster installs a shared identity on every node. Used by tests
// that exercise traffic between already-paired devices.
func joinTestCluster(t *testing.T, nodes ...*testNode) []byte {
	t.Helper()
	key, err := crypto.NewClusterKey()
	if err != nil {
		t.Fatalf("generate cluster key: %v", err)
	}
	for _, node := range nodes {
		node.registry.SetIdentity(key, testNetworkName, testNetworkPin)
	}
	return key
}

// linkNodes makes each node a trusted runtime peer of every other.
func linkNodes(nodes ...*testNode) {
	for _, node := range nodes {
		for _, other := range nodes {
			if other == node {
				continue
			}
			node.registry.InsertTrusted(other.asPeer())
		}
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
