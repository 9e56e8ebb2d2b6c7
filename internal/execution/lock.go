package execution

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	clierr "github.com/ggonzalez94/lpmint/internal/errors"
)

// sessionLocks admits one run per wallet. The in-process set always applies;
// when dir is set a per-wallet lock file extends the rule across processes.
type sessionLocks struct {
	mu     sync.Mutex
	active map[string]struct{}
	dir    string
}

func newSessionLocks(dir string) *sessionLocks {
	return &sessionLocks{active: map[string]struct{}{}, dir: dir}
}

func (l *sessionLocks) acquire(wallet string) (func(), error) {
	l.mu.Lock()
	if _, busy := l.active[wallet]; busy {
		l.mu.Unlock()
		return nil, clierr.New(clierr.CodeBusy, fmt.Sprintf("an execution is already in progress for wallet %s", wallet))
	}
	l.active[wallet] = struct{}{}
	l.mu.Unlock()

	drop := func() {
		l.mu.Lock()
		delete(l.active, wallet)
		l.mu.Unlock()
	}
	if l.dir == "" {
		return drop, nil
	}

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		drop()
		return nil, clierr.Wrap(clierr.CodeInternal, "create session lock directory", err)
	}
	fileLock := flock.New(filepath.Join(l.dir, wallet+".lock"))
	locked, err := fileLock.TryLock()
	if err != nil {
		drop()
		return nil, clierr.Wrap(clierr.CodeInternal, "lock session", err)
	}
	if !locked {
		drop()
		return nil, clierr.New(clierr.CodeBusy, fmt.Sprintf("another process is executing for wallet %s", wallet))
	}
	return func() {
		_ = fileLock.Unlock()
		drop()
	}, nil
}
