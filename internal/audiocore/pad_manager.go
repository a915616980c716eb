package audiocore

import (
	"cmp"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
)

// padManager owns the table of input branches.
type padManager struct {
	mu       sync.RWMutex
	branches map[BranchID]*InputBranch
	nextID   atomic.Uint64

	// released remembers ids of removed branches for a while, so late
	// notifications about them can be told apart from misuse.
	released *cache.Cache
}

func newPadManager(staleTTL time.Duration) *padManager {
	return &padManager{
		branches: make(map[BranchID]*InputBranch),
		// no janitor goroutine; expired tombstones are purged on remove
		released: cache.New(staleTTL, 0),
	}
}

func (pm *padManager) allocateID() BranchID {
	return BranchID(pm.nextID.Add(1))
}

func (pm *padManager) add(br *InputBranch) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.branches[br.id] = br
}

func (pm *padManager) get(id BranchID) (*InputBranch, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	br, ok := pm.branches[id]
	return br, ok
}

// remove deletes the branch and leaves a tombstone. Only the first caller
// for a given id gets the branch back.
func (pm *padManager) remove(id BranchID) *InputBranch {
	pm.mu.Lock()
	br, ok := pm.branches[id]
	delete(pm.branches, id)
	pm.mu.Unlock()

	if !ok {
		return nil
	}
	pm.released.DeleteExpired()
	pm.released.SetDefault(tombstoneKey(id), time.Now())
	return br
}

// wasReleased reports whether id belonged to a branch removed recently.
func (pm *padManager) wasReleased(id BranchID) bool {
	_, ok := pm.released.Get(tombstoneKey(id))
	return ok
}

// snapshot returns the branches ordered by id.
func (pm *padManager) snapshot() []*InputBranch {
	pm.mu.RLock()
	out := make([]*InputBranch, 0, len(pm.branches))
	for _, br := range pm.branches {
		out = append(out, br)
	}
	pm.mu.RUnlock()

	slices.SortFunc(out, func(a, b *InputBranch) int { return cmp.Compare(a.id, b.id) })
	return out
}

func (pm *padManager) len() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.branches)
}

func (pm *padManager) close() {
	pm.released.Flush()
}

func tombstoneKey(id BranchID) string {
	return strconv.FormatUint(uint64(id), 10)
}
