package crawler

import (
	"container/list"
	"sync"

	"github.com/IliaW/site-crawler/internal/model"
)

// frontier holds the crawl queues of one session. Each structure has its own
// lock and no lock is held while calling out of this file.
type frontier struct {
	pendingMu  sync.Mutex
	pending    *list.List
	pendingSet map[string]struct{}

	inFlightMu sync.Mutex
	inFlight   map[string]string // url -> owner
	waiting    map[string]string // owner -> url

	visitedMu sync.RWMutex
	visited   map[string]*model.WebResource

	completedMu sync.Mutex
	completed   *list.List
}

func newFrontier() *frontier {
	return &frontier{
		pending:    list.New(),
		pendingSet: make(map[string]struct{}),
		inFlight:   make(map[string]string),
		waiting:    make(map[string]string),
		visited:    make(map[string]*model.WebResource),
		completed:  list.New(),
	}
}

// enqueue appends link to Pending unless the URL is already visited or
// already pending.
func (f *frontier) enqueue(link model.QueuedLink) bool {
	if f.isVisited(link.URL) {
		return false
	}
	f.pendingMu.Lock()
	defer f.pendingMu.Unlock()
	if _, ok := f.pendingSet[link.URL]; ok {
		return false
	}
	f.pendingSet[link.URL] = struct{}{}
	f.pending.PushBack(link)
	return true
}

func (f *frontier) next() (model.QueuedLink, bool) {
	f.pendingMu.Lock()
	defer f.pendingMu.Unlock()
	e := f.pending.Front()
	if e == nil {
		return model.QueuedLink{}, false
	}
	link := f.pending.Remove(e).(model.QueuedLink)
	delete(f.pendingSet, link.URL)
	return link, true
}

func (f *frontier) pendingLen() int {
	f.pendingMu.Lock()
	defer f.pendingMu.Unlock()
	return f.pending.Len()
}

// claim marks url as in flight. It fails if another worker holds it.
func (f *frontier) claim(url string) bool {
	f.inFlightMu.Lock()
	defer f.inFlightMu.Unlock()
	if _, ok := f.inFlight[url]; ok {
		return false
	}
	f.inFlight[url] = url
	return true
}

// claimAs marks url as held by owner, the link a worker started from.
// Claiming a URL the owner already holds succeeds.
func (f *frontier) claimAs(owner, url string) bool {
	f.inFlightMu.Lock()
	defer f.inFlightMu.Unlock()
	if holder, ok := f.inFlight[url]; ok {
		return holder == owner
	}
	f.inFlight[url] = owner
	return true
}

func (f *frontier) release(url string) {
	f.inFlightMu.Lock()
	defer f.inFlightMu.Unlock()
	delete(f.inFlight, url)
}

// await records that owner waits for url to be released and reports whether
// the holders of url are, transitively, waiting for owner. A detected cycle
// clears the wait of owner so only one side of it sees the cycle.
func (f *frontier) await(owner, url string) bool {
	f.inFlightMu.Lock()
	defer f.inFlightMu.Unlock()
	f.waiting[owner] = url
	next := url
	for range len(f.waiting) {
		holder, ok := f.inFlight[next]
		if !ok {
			return false
		}
		if holder == owner {
			delete(f.waiting, owner)
			return true
		}
		if next, ok = f.waiting[holder]; !ok {
			return false
		}
	}
	return false
}

func (f *frontier) stopWaiting(owner string) {
	f.inFlightMu.Lock()
	defer f.inFlightMu.Unlock()
	delete(f.waiting, owner)
}

func (f *frontier) isVisited(url string) bool {
	_, ok := f.lookup(url)
	return ok
}

func (f *frontier) lookup(url string) (*model.WebResource, bool) {
	f.visitedMu.RLock()
	defer f.visitedMu.RUnlock()
	wr, ok := f.visited[url]
	return wr, ok
}

// markVisited registers wr under every given URL that has no resource yet.
func (f *frontier) markVisited(wr *model.WebResource, urls ...string) {
	f.visitedMu.Lock()
	defer f.visitedMu.Unlock()
	for _, u := range urls {
		if _, ok := f.visited[u]; !ok && u != "" {
			f.visited[u] = wr
		}
	}
}

// register stores wr under its own URL and the URLs that led to it. When a
// resource already exists for wr.URL that resource wins and is returned.
func (f *frontier) register(wr *model.WebResource, chain ...string) *model.WebResource {
	f.visitedMu.Lock()
	defer f.visitedMu.Unlock()
	winner, ok := f.visited[wr.URL]
	if !ok {
		winner = wr
		f.visited[wr.URL] = wr
	}
	for _, u := range chain {
		if _, ok := f.visited[u]; !ok && u != "" {
			f.visited[u] = winner
		}
	}
	return winner
}

func (f *frontier) pushCompleted(wr *model.WebResource) {
	f.completedMu.Lock()
	defer f.completedMu.Unlock()
	f.completed.PushBack(wr)
}

func (f *frontier) popCompleted() (*model.WebResource, bool) {
	f.completedMu.Lock()
	defer f.completedMu.Unlock()
	e := f.completed.Front()
	if e == nil {
		return nil, false
	}
	return f.completed.Remove(e).(*model.WebResource), true
}

func (f *frontier) pendingSnapshot() []model.QueuedLink {
	f.pendingMu.Lock()
	defer f.pendingMu.Unlock()
	out := make([]model.QueuedLink, 0, f.pending.Len())
	for e := f.pending.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(model.QueuedLink))
	}
	return out
}

func (f *frontier) inFlightSnapshot() []string {
	f.inFlightMu.Lock()
	defer f.inFlightMu.Unlock()
	out := make([]string, 0, len(f.inFlight))
	for u := range f.inFlight {
		out = append(out, u)
	}
	return out
}

func (f *frontier) visitedSnapshot() map[string]*model.WebResource {
	f.visitedMu.RLock()
	defer f.visitedMu.RUnlock()
	out := make(map[string]*model.WebResource, len(f.visited))
	for u, wr := range f.visited {
		out[u] = wr
	}
	return out
}
