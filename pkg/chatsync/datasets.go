package chatsync

import (
	"sync"
	"time"
)

// DatasetPatch is a partial update; nil fields are left untouched.
type DatasetPatch struct {
	Name         *string
	SourceURL    *string
	RowCount     *int64
	ColumnCount  *int
	Schema       []SchemaField
	Status       *DatasetStatus
	ErrorMessage *string
}

// DatasetLifecycleStore holds per-dataset status and metadata by identity
// key, plus the loading-start bookkeeping. The timestamp map is defined for
// an id iff that dataset's status is loading.
type DatasetLifecycleStore struct {
	mu           sync.Mutex
	datasets     map[string]*Dataset
	loadingStart map[string]time.Time
	now          func() time.Time
}

func NewDatasetLifecycleStore() *DatasetLifecycleStore {
	return &DatasetLifecycleStore{
		datasets:     map[string]*Dataset{},
		loadingStart: map[string]time.Time{},
		now:          time.Now,
	}
}

// Add inserts a dataset, starting the loading clock if it arrives loading.
func (d *DatasetLifecycleStore) Add(ds Dataset) {
	if d == nil || ds.ID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := ds
	d.datasets[ds.ID] = &cp
	if ds.Status == DatasetLoading {
		d.loadingStart[ds.ID] = d.now()
	} else {
		delete(d.loadingStart, ds.ID)
	}
}

// Update merges a partial update into an existing dataset. When the merged
// status becomes ready or error the loading-start timestamp is removed; the
// transition is terminal for elapsed-time tracking.
func (d *DatasetLifecycleStore) Update(id string, patch DatasetPatch) {
	if d == nil || id == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ds, ok := d.datasets[id]
	if !ok {
		return
	}
	d.applyPatchLocked(ds, patch)
}

// Upsert applies a dataset-status event. Unknown ids create the entry rather
// than failing, because the server may emit the event before the originating
// HTTP request returns.
func (d *DatasetLifecycleStore) Upsert(id, convID string, patch DatasetPatch) {
	if d == nil || id == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ds, ok := d.datasets[id]
	if !ok {
		ds = &Dataset{ID: id, ConversationID: convID, Status: DatasetLoading}
		d.datasets[id] = ds
		d.loadingStart[id] = d.now()
	}
	if convID != "" {
		ds.ConversationID = convID
	}
	d.applyPatchLocked(ds, patch)
}

func (d *DatasetLifecycleStore) applyPatchLocked(ds *Dataset, patch DatasetPatch) {
	if patch.Name != nil {
		ds.Name = *patch.Name
	}
	if patch.SourceURL != nil {
		ds.SourceURL = *patch.SourceURL
	}
	if patch.RowCount != nil {
		ds.RowCount = *patch.RowCount
	}
	if patch.ColumnCount != nil {
		ds.ColumnCount = *patch.ColumnCount
	}
	if patch.Schema != nil {
		ds.Schema = append([]SchemaField(nil), patch.Schema...)
	}
	if patch.ErrorMessage != nil {
		ds.ErrorMessage = *patch.ErrorMessage
	}
	if patch.Status != nil {
		ds.Status = *patch.Status
		if ds.Status == DatasetLoading {
			if _, ok := d.loadingStart[ds.ID]; !ok {
				d.loadingStart[ds.ID] = d.now()
			}
		} else {
			delete(d.loadingStart, ds.ID)
		}
	}
}

// Remove deletes the dataset and its loading timestamp. A later Add for the
// same id starts fresh.
func (d *DatasetLifecycleStore) Remove(id string) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.datasets, id)
	delete(d.loadingStart, id)
}

// Get returns a copy of one dataset by id.
func (d *DatasetLifecycleStore) Get(id string) (Dataset, bool) {
	if d == nil {
		return Dataset{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ds, ok := d.datasets[id]
	if !ok {
		return Dataset{}, false
	}
	return d.copyLocked(ds), true
}

// ByConversation is a pure read projection of the datasets owned by one
// conversation. Datasets of other conversations are never touched.
func (d *DatasetLifecycleStore) ByConversation(convID string) []Dataset {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Dataset
	for _, ds := range d.datasets {
		if ds.ConversationID == convID {
			out = append(out, d.copyLocked(ds))
		}
	}
	return out
}

// ReplaceForConversation swaps in the snapshot's datasets for one
// conversation wholesale, leaving every other conversation's entries intact.
func (d *DatasetLifecycleStore) ReplaceForConversation(convID string, datasets []Dataset) {
	if d == nil || convID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, ds := range d.datasets {
		if ds.ConversationID == convID {
			delete(d.datasets, id)
			delete(d.loadingStart, id)
		}
	}
	for i := range datasets {
		ds := datasets[i]
		if ds.ID == "" {
			continue
		}
		ds.ConversationID = convID
		cp := ds
		d.datasets[ds.ID] = &cp
		if ds.Status == DatasetLoading {
			d.loadingStart[ds.ID] = d.now()
		}
	}
}

// LoadingStartedAt returns the loading-start timestamp for id, present iff
// the dataset is currently loading.
func (d *DatasetLifecycleStore) LoadingStartedAt(id string) (time.Time, bool) {
	if d == nil {
		return time.Time{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.loadingStart[id]
	return t, ok
}

// Elapsed reports how long a dataset has been loading and whether it has
// crossed the "still working" presentation threshold.
func (d *DatasetLifecycleStore) Elapsed(id string, now time.Time) (time.Duration, bool, bool) {
	if d == nil {
		return 0, false, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	start, ok := d.loadingStart[id]
	if !ok {
		return 0, false, false
	}
	elapsed := now.Sub(start)
	return elapsed, elapsed >= SlowTurnThreshold, true
}

func (d *DatasetLifecycleStore) copyLocked(ds *Dataset) Dataset {
	cp := *ds
	cp.Schema = append([]SchemaField(nil), ds.Schema...)
	return cp
}
