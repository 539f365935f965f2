package spell

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/stacklok/mcp-grimoire/pkg/logger"
)

const (
	spellFileSuffix = ".spell.yaml"
	debounceWindow  = 200 * time.Millisecond
)

// EventKind identifies the kind of change discovery observed.
type EventKind string

// Event kinds emitted by discovery.
const (
	EventAdded    EventKind = "added"
	EventModified EventKind = "modified"
	EventRemoved  EventKind = "removed"
)

// Event describes one spell's change.
type Event struct {
	Kind EventKind
	Name string
}

// Discovery scans a directory for spell files and keeps a live map of
// name -> Spell, re-scanning (debounced) whenever the directory changes.
type Discovery struct {
	dir string

	mu     sync.RWMutex
	spells map[string]*Spell

	subsMu sync.Mutex
	subs   []chan Event

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New creates a Discovery rooted at dir and performs an initial scan.
func New(dir string) (*Discovery, error) {
	d := &Discovery{
		dir:    dir,
		spells: make(map[string]*Spell),
		done:   make(chan struct{}),
	}
	d.scan()
	return d, nil
}

// Start begins watching the directory for changes in the background.
// Call Stop to end the watch loop.
func (d *Discovery) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(d.dir); err != nil {
		_ = watcher.Close()
		return err
	}
	d.watcher = watcher

	go d.watchLoop()
	return nil
}

// Stop ends the watch loop and releases the underlying watcher.
func (d *Discovery) Stop() {
	select {
	case <-d.done:
		return
	default:
		close(d.done)
	}
	if d.watcher != nil {
		_ = d.watcher.Close()
	}
}

func (d *Discovery) watchLoop() {
	var timer *time.Timer
	rescan := make(chan struct{}, 1)

	resetTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounceWindow, func() {
			select {
			case rescan <- struct{}{}:
			default:
			}
		})
	}

	for {
		select {
		case <-d.done:
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if isSpellFile(event.Name) {
				resetTimer()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("spell directory watch error: %v", err)
		case <-rescan:
			d.scan()
		}
	}
}

func isSpellFile(path string) bool {
	return strings.HasSuffix(path, spellFileSuffix)
}

// scan re-reads every *.spell.yaml file in the directory, diffs the result
// against the current map, and emits change events to subscribers.
func (d *Discovery) scan() {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		logger.Warnf("failed to read spell directory %s: %v", d.dir, err)
		return
	}

	type parsed struct {
		spell   *Spell
		modTime int64
	}
	byName := make(map[string]parsed)

	for _, entry := range entries {
		if entry.IsDir() || !isSpellFile(entry.Name()) {
			continue
		}
		path := filepath.Join(d.dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warnf("failed to read spell file %s: %v", path, err)
			continue
		}
		s, err := Parse(data)
		if err != nil {
			logger.Warnf("failed to parse spell file %s: %v", path, err)
			continue
		}
		s.sourcePath = path
		s.modTime = info.ModTime().UnixNano()

		if existing, ok := byName[s.Name]; ok {
			if s.modTime > existing.modTime {
				logger.Warnf("duplicate spell name %q: %s is newer than %s, using it", s.Name, path, existing.spell.sourcePath)
				byName[s.Name] = parsed{spell: s, modTime: s.modTime}
			} else {
				logger.Warnf("duplicate spell name %q: keeping newer file %s over %s", s.Name, existing.spell.sourcePath, path)
			}
			continue
		}
		byName[s.Name] = parsed{spell: s, modTime: s.modTime}
	}

	d.mu.Lock()
	var events []Event
	for name := range d.spells {
		if _, ok := byName[name]; !ok {
			events = append(events, Event{Kind: EventRemoved, Name: name})
		}
	}
	for name, p := range byName {
		if _, ok := d.spells[name]; !ok {
			events = append(events, Event{Kind: EventAdded, Name: name})
		} else if d.spells[name].modTime != p.modTime {
			events = append(events, Event{Kind: EventModified, Name: name})
		}
	}

	next := make(map[string]*Spell, len(byName))
	for name, p := range byName {
		next[name] = p.spell
	}
	d.spells = next
	d.mu.Unlock()

	for _, ev := range events {
		d.publish(ev)
	}
}

// GetSpell returns the spell registered under name, if any.
func (d *Discovery) GetSpell(name string) (*Spell, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.spells[name]
	return s, ok
}

// GetSpells returns a read-only snapshot of the current spell map.
func (d *Discovery) GetSpells() map[string]*Spell {
	d.mu.RLock()
	defer d.mu.RUnlock()
	snapshot := make(map[string]*Spell, len(d.spells))
	for k, v := range d.spells {
		snapshot[k] = v
	}
	return snapshot
}

// Names returns the sorted list of currently known spell names.
func (d *Discovery) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.spells))
	for name := range d.spells {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subscribe returns a channel that receives every future change event.
// The channel is buffered (16 events); an event that finds the buffer full
// is dropped, and later scans only report further changes, not dropped ones.
func (d *Discovery) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	d.subsMu.Lock()
	d.subs = append(d.subs, ch)
	d.subsMu.Unlock()
	return ch
}

func (d *Discovery) publish(ev Event) {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	for _, ch := range d.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
