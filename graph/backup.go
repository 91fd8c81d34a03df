package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// BackupHandler is the collaborator behind "system backup". Create
// produces an archive path, Restore consumes one.
type BackupHandler interface {
	Create(ctx context.Context) (string, error)
	Restore(ctx context.Context, path string) error
}

type graphDump struct {
	Nodes []Node                 `json:"nodes"`
	Edges map[string][][2]string `json:"edges"`
}

type storeDump struct {
	CreatedAt time.Time            `json:"created_at"`
	Graphs    map[string]graphDump `json:"graphs"`
}

// FileBackup dumps the store to JSON files in a directory.
type FileBackup struct {
	Store *Store
	Dir   string // empty means the OS temp directory
}

// Create implements BackupHandler.
func (b *FileBackup) Create(_ context.Context) (string, error) {
	dump := storeDump{CreatedAt: time.Now().UTC(), Graphs: map[string]graphDump{}}
	for _, name := range b.Store.Names() {
		g := b.Store.Graph(name)
		g.mu.RLock()
		gd := graphDump{Edges: map[string][][2]string{}}
		for _, id := range g.order {
			gd.Nodes = append(gd.Nodes, CloneNode(g.nodes[id]))
		}
		for edge, fromTo := range g.out {
			for from, tos := range fromTo {
				for _, to := range tos {
					gd.Edges[edge] = append(gd.Edges[edge], [2]string{from, to})
				}
			}
		}
		g.mu.RUnlock()
		dump.Graphs[name] = gd
	}

	data, err := json.Marshal(dump)
	if err != nil {
		return "", fmt.Errorf("encode backup: %w", err)
	}
	dir := b.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, fmt.Sprintf("backup_%s.json", time.Now().UTC().Format("20060102T150405")))
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return path, nil
}

// Restore implements BackupHandler. Restored graphs replace existing
// graphs of the same name.
func (b *FileBackup) Restore(_ context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	var dump storeDump
	if err := json.Unmarshal(data, &dump); err != nil {
		return fmt.Errorf("decode backup: %w", err)
	}
	for name, gd := range dump.Graphs {
		g := b.Store.Graph(name)
		g.mu.Lock()
		g.nodes = map[string]Node{}
		g.order = nil
		g.out = map[string]map[string][]string{}
		g.in = map[string]map[string][]string{}
		g.mu.Unlock()
		for _, node := range gd.Nodes {
			g.InsertNode(node)
		}
		for edge, pairs := range gd.Edges {
			for _, pair := range pairs {
				g.InsertEdge(pair[0], pair[1], edge)
			}
		}
	}
	return nil
}
