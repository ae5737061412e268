package driver

import (
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/sq8vps/system-sub001/internal/kernelerr"
	"github.com/sq8vps/system-sub001/internal/nabladb"
)

// CatalogSource reads a NablaDB file by path, independent of whether it
// comes from the boot ramdisk or the main-disk database, per spec.md
// §6's "Persistent configuration contract".
type CatalogSource interface {
	ReadDatabase(path string) ([]byte, error)
}

// Record is one per-driver catalog entry, decoded from a NablaDB
// sub-database per spec.md §6.
type Record struct {
	ImageName    string
	DeviceDriver bool
	FsDriver     bool
	DeviceIDs    []string
}

// Registry resolves a device's IDs to a list of driver images to load,
// consulting NablaDB per spec.md §4.14. Open/Promote implement the
// two-phase boot model: Open reads the initial ramdisk database first,
// then Promote re-points at the main-disk database once it is mounted,
// without disturbing drivers already loaded from the boot copy.
type Registry struct {
	mu          sync.Mutex
	source      CatalogSource
	catalogPath string
	records     []Record
}

// NewRegistry returns a Registry with no database opened yet.
func NewRegistry(source CatalogSource) *Registry {
	return &Registry{source: source}
}

// Open reads the initial config database at rootPath, extracts
// DriverDatabasePath, and loads every named sub-database it lists, per
// spec.md §6. Per-database decode failures are aggregated (not fatal to
// the whole catalog) so one corrupt driver record does not block
// enumeration of the rest.
func (r *Registry) Open(rootPath string) error {
	raw, err := r.source.ReadDatabase(rootPath)
	if err != nil {
		return kernelerr.Wrap(kernelerr.ErrFileNotFound, err)
	}
	root, err := nabladb.Parse(raw)
	if err != nil {
		return err
	}

	var catalogPath string
	for _, e := range root.Entries {
		if e.Name == "DriverDatabasePath" && e.Type == nabladb.TypeUTF8 {
			catalogPath, _ = e.Value.(string)
		}
	}
	if catalogPath == "" {
		return kernelerr.New(kernelerr.ErrDatabaseEntryNotFound)
	}

	catalogRaw, err := r.source.ReadDatabase(catalogPath)
	if err != nil {
		return kernelerr.Wrap(kernelerr.ErrFileNotFound, err)
	}
	catalog, err := nabladb.Parse(catalogRaw)
	if err != nil {
		return err
	}

	var names []string
	for _, e := range catalog.Entries {
		if e.Name == "DriverDatabaseName" && e.IsArray {
			for _, v := range e.Elements {
				if s, ok := v.(string); ok {
					names = append(names, s)
				}
			}
		}
	}

	records, loadErr := r.loadRecords(filepath.Dir(catalogPath), names)

	r.mu.Lock()
	r.catalogPath = catalogPath
	r.records = records
	r.mu.Unlock()
	return loadErr
}

// Promote re-opens the catalog from mainDBRootPath, replacing the boot
// (ramdisk) records. Drivers already loaded by internal/driver.Loader are
// unaffected: Loader caches by image name and never reloads an
// initialized driver.
func (r *Registry) Promote(mainDBRootPath string) error {
	return r.Open(mainDBRootPath)
}

func (r *Registry) loadRecords(dir string, names []string) ([]Record, error) {
	var records []Record
	var errs *multierror.Error
	for _, name := range names {
		raw, err := r.source.ReadDatabase(filepath.Join(dir, name))
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		f, err := nabladb.Parse(raw)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		rec := decodeRecord(f)
		records = append(records, rec)
	}
	return records, errs.ErrorOrNil()
}

func decodeRecord(f *nabladb.File) Record {
	var rec Record
	for _, e := range f.Entries {
		switch {
		case e.Name == "ImageName" && e.Type == nabladb.TypeUTF8:
			rec.ImageName, _ = e.Value.(string)
		case e.Name == "DeviceDriver" && e.Type == nabladb.TypeBool:
			rec.DeviceDriver, _ = e.Value.(bool)
		case e.Name == "FsDriver" && e.Type == nabladb.TypeBool:
			rec.FsDriver, _ = e.Value.(bool)
		case e.Name == "DeviceId" && e.IsArray:
			for _, v := range e.Elements {
				if s, ok := v.(string); ok {
					rec.DeviceIDs = append(rec.DeviceIDs, s)
				}
			}
		case e.Name == "DeviceId" && e.Type == nabladb.TypeUTF8:
			if s, ok := e.Value.(string); ok {
				rec.DeviceIDs = append(rec.DeviceIDs, s)
			}
		}
	}
	return rec
}

// matchID reports whether candidate equals mainID or any compatibleID, in
// that order — first match wins. Matching is an exact string compare,
// per spec.md §6 (IDs are uppercased by convention at the producer, not
// normalized here).
func matchID(mainID string, compatibleIDs []string, candidate string) bool {
	if candidate == mainID {
		return true
	}
	for _, c := range compatibleIDs {
		if candidate == c {
			return true
		}
	}
	return false
}

// Lookup finds every record whose DeviceId matches mainID or one of
// compatibleIDs, walking the catalog per spec.md §4.14's "Registry
// lookup". Matches come back in catalog order; the first one is the main
// match by position only, and no field of Record marks it.
func (r *Registry) Lookup(mainID string, compatibleIDs []string) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matches []Record
	for _, rec := range r.records {
		for _, id := range rec.DeviceIDs {
			if matchID(mainID, compatibleIDs, id) {
				matches = append(matches, rec)
				break
			}
		}
	}
	return matches
}

// LookupFS is Lookup's filesystem variant: candidates are restricted to
// FsDriver records, and the caller's verifyFS hook (the loaded driver's
// verify_fs) decides the final match against disk, per spec.md §4.14.
func (r *Registry) LookupFS(verifyFS func(rec Record) bool) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matches []Record
	for _, rec := range r.records {
		if !rec.FsDriver {
			continue
		}
		if verifyFS(rec) {
			matches = append(matches, rec)
		}
	}
	return matches
}
