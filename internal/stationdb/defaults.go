package stationdb

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultCatalogTimeout = 60 * time.Second
	DefaultProbeTimeout   = 20 * time.Second
	DefaultSeedLinkPort   = 18000
)

type CatalogSourceSpec struct {
	ID      string
	Name    string
	URL     string
	Timeout time.Duration
}

type StreamingSourceSpec struct {
	ID      string
	Name    string
	Host    string
	Port    int
	Timeout time.Duration
}

// Defaults is the source set installed on a fresh database and by RestoreDefaults.
type Defaults struct {
	Catalog   []CatalogSourceSpec
	Streaming []StreamingSourceSpec
}

// BuiltinDefaults returns the public FDSN and SeedLink endpoints shipped with stationdb.
func BuiltinDefaults() Defaults {
	return Defaults{
		Catalog: []CatalogSourceSpec{
			{Name: "GFZ GEOFON", URL: "https://geofon.gfz-potsdam.de/fdsnws/station/1/"},
			{Name: "ORFEUS EIDA", URL: "https://www.orfeus-eu.org/fdsnws/station/1/"},
			{Name: "EarthScope", URL: "https://service.iris.edu/fdsnws/station/1/"},
			{Name: "Raspberry Shake", URL: "https://fdsnws.raspberryshakedata.com/fdsnws/station/1/"},
		},
		Streaming: []StreamingSourceSpec{
			{Name: "GEOFON", Host: "geofon.gfz-potsdam.de", Port: DefaultSeedLinkPort},
			{Name: "ORFEUS", Host: "eida.orfeus-eu.org", Port: DefaultSeedLinkPort},
			{Name: "EarthScope", Host: "rtserve.iris.washington.edu", Port: DefaultSeedLinkPort},
		},
	}
}

// stableID derives a deterministic ID so restoring defaults yields the same source IDs.
func stableID(kind, key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("stationdb:"+kind+":"+strings.ToLower(key))).String()
}

func (s CatalogSourceSpec) defaultID() string {
	return stableID("catalog", strings.TrimSpace(s.URL))
}

func (s StreamingSourceSpec) defaultID() string {
	return stableID("streaming", strings.TrimSpace(s.Host)+":"+strconv.Itoa(s.Port))
}

func (d *Database) addDefaultsLocked(def Defaults) {
	for _, spec := range def.Catalog {
		if strings.TrimSpace(spec.ID) == "" {
			spec.ID = spec.defaultID()
		}
		if d.catalogIndexLocked(spec.ID) >= 0 {
			continue
		}
		_, _ = d.addCatalogSourceLocked(spec)
	}
	for _, spec := range def.Streaming {
		if spec.Port == 0 {
			spec.Port = DefaultSeedLinkPort
		}
		if strings.TrimSpace(spec.ID) == "" {
			spec.ID = spec.defaultID()
		}
		if d.streamingIndexLocked(spec.ID) >= 0 {
			continue
		}
		_, _ = d.addStreamingSourceLocked(spec)
	}
}

// AddDefaults installs any default sources that are not registered yet.
func (d *Database) AddDefaults(def Defaults) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addDefaultsLocked(def)
}
