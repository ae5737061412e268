package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sq8vps/system-sub001/internal/nabladb"
)

type memCatalog struct {
	files map[string][]byte
}

func (m memCatalog) ReadDatabase(path string) ([]byte, error) {
	b, ok := m.files[path]
	if !ok {
		return nil, assert.AnError
	}
	return b, nil
}

func mustSerialize(t *testing.T, f *nabladb.File) []byte {
	t.Helper()
	raw, err := nabladb.Serialize(f)
	require.NoError(t, err)
	return raw
}

func buildCatalog(t *testing.T) memCatalog {
	root := &nabladb.File{Entries: []nabladb.Entry{
		{Type: nabladb.TypeUTF8, Name: "DriverDatabasePath", Value: "/drivers/catalog.ndb"},
	}}
	catalog := &nabladb.File{Entries: []nabladb.Entry{
		{Type: nabladb.TypeDword, IsArray: true, ElemType: nabladb.TypeUTF8, Name: "DriverDatabaseName",
			Elements: []interface{}{"ahci.ndb"}},
	}}
	ahci := &nabladb.File{Entries: []nabladb.Entry{
		{Type: nabladb.TypeUTF8, Name: "ImageName", Value: "ahci.drv"},
		{Type: nabladb.TypeBool, Name: "DeviceDriver", Value: true},
		{Type: nabladb.TypeDword, IsArray: true, ElemType: nabladb.TypeUTF8, Name: "DeviceId",
			Elements: []interface{}{"PCI/STORAGE/AHCI"}},
	}}
	return memCatalog{files: map[string][]byte{
		"/boot/initial.ndb":    mustSerialize(t, root),
		"/drivers/catalog.ndb": mustSerialize(t, catalog),
		"/drivers/ahci.ndb":    mustSerialize(t, ahci),
	}}
}

func TestRegistryOpenAndLookupMatchesMainID(t *testing.T) {
	src := buildCatalog(t)
	r := NewRegistry(src)
	require.NoError(t, r.Open("/boot/initial.ndb"))

	matches := r.Lookup("PCI/8086/100E", []string{"PCI/STORAGE/AHCI"})
	require.Len(t, matches, 1)
	assert.Equal(t, "ahci.drv", matches[0].ImageName)

	noMatches := r.Lookup("PCI/8086/100E", []string{"PCI/STORAGE/IDE"})
	assert.Empty(t, noMatches)
}

func TestRegistryPromoteReplacesRecords(t *testing.T) {
	src := buildCatalog(t)
	r := NewRegistry(src)
	require.NoError(t, r.Open("/boot/initial.ndb"))

	mainRoot := &nabladb.File{Entries: []nabladb.Entry{
		{Type: nabladb.TypeUTF8, Name: "DriverDatabasePath", Value: "/drivers/catalog.ndb"},
	}}
	src.files["/disk/main.ndb"] = mustSerialize(t, mainRoot)

	require.NoError(t, r.Promote("/disk/main.ndb"))
	matches := r.Lookup("PCI/STORAGE/AHCI", nil)
	require.Len(t, matches, 1)
}
