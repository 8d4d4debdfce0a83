// Package identity maps a numeric requester UID to the package that owns it.
// The mapping is owned by the host's package service; this package only
// consumes its exported packages list. An unresolvable UID must never be
// granted elevation, so callers treat ErrNotFound as an automatic deny.
package identity

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// ErrNotFound is returned when a UID has no known owning package.
var ErrNotFound = errors.New("identity not found")

// Identity describes the package behind a requester UID.
type Identity struct {
	UID         int64
	PackageName string
	DisplayName string
	IconPath    string // Handle into the host's icon storage. May be empty.
}

// Resolver resolves a requester UID to its owning package.
type Resolver interface {
	Resolve(ctx context.Context, uid int64) (*Identity, error)
}

// FileResolver resolves identities from a packages list file, one package per
// line in the host's export format:
//
//	<package-name> <uid> [<display-name>] [<icon-path>]
//
// The file is re-read on every Resolve so freshly installed packages are
// visible without a restart.
type FileResolver struct {
	path string

	mu sync.Mutex
}

// NewFileResolver creates a resolver backed by the given packages list file.
func NewFileResolver(path string) *FileResolver {
	return &FileResolver{path: path}
}

// Resolve scans the packages list for the UID.
func (r *FileResolver) Resolve(_ context.Context, uid int64) (*Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("opening packages list: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		entryUID, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || entryUID != uid {
			continue
		}
		id := &Identity{
			UID:         uid,
			PackageName: fields[0],
			DisplayName: fields[0],
		}
		if len(fields) > 2 {
			id.DisplayName = fields[2]
		}
		if len(fields) > 3 {
			id.IconPath = fields[3]
		}
		return id, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading packages list: %w", err)
	}
	return nil, ErrNotFound
}

// StaticResolver holds a fixed UID → identity table. Used in tests and as a
// seed for development setups without a packages list.
type StaticResolver struct {
	mu      sync.RWMutex
	entries map[int64]*Identity
}

// NewStaticResolver creates a resolver from a fixed set of identities.
func NewStaticResolver(ids ...*Identity) *StaticResolver {
	entries := make(map[int64]*Identity, len(ids))
	for _, id := range ids {
		entries[id.UID] = id
	}
	return &StaticResolver{entries: entries}
}

// Add registers or replaces an identity.
func (r *StaticResolver) Add(id *Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id.UID] = id
}

// Resolve looks up the UID in the static table.
func (r *StaticResolver) Resolve(_ context.Context, uid int64) (*Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.entries[uid]
	if !ok {
		return nil, ErrNotFound
	}
	return id, nil
}
