package datasource

import (
	"encoding/json"
	"testing"

	"github.com/tiler/proxy-balancer/internal/datastore"
)

func TestInfoLocal(t *testing.T) {
	tests := []struct {
		name        string
		info        Info
		selfAddress string
		want        bool
	}{
		{"no host set", Info{}, "proxy:8080", true},
		{"no port set", Info{Host: "proxy"}, "proxy:8080", true},
		{"matches self address", Info{Host: "proxy", Port: 8080}, "proxy:8080", true},
		{"different host", Info{Host: "peer", Port: 8080}, "proxy:8080", false},
		{"different port", Info{Host: "proxy", Port: 9090}, "proxy:8080", false},
		{"remote, empty self address", Info{Host: "peer", Port: 8080}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.Local(tt.selfAddress); got != tt.want {
				t.Errorf("Local(%q) on %+v = %v, want %v", tt.selfAddress, tt.info, got, tt.want)
			}
		})
	}
}

func TestProjectInfo(t *testing.T) {
	row := datastore.DataSource{Identifier: "ds1"}
	row.Host.String, row.Host.Valid = "worker-1", true
	row.Port.Int32, row.Port.Valid = 9100, true
	row.Mbtiles.Bool, row.Mbtiles.Valid = true, true
	row.Data = json.RawMessage(`{"use_cache_only": true, "compress_tiles": true}`)

	info := projectInfo(row)
	if info.Host != "worker-1" || info.Port != 9100 {
		t.Errorf("projectInfo host/port = %q:%d, want worker-1:9100", info.Host, info.Port)
	}
	if !info.Mbtiles {
		t.Error("expected Mbtiles to be true")
	}
	if !info.UseCacheOnly || !info.CompressTiles {
		t.Errorf("expected flags from data blob to be extracted, got %+v", info)
	}
}

func TestProjectInfoMissingFields(t *testing.T) {
	row := datastore.DataSource{Identifier: "ds2"}
	info := projectInfo(row)
	if info.Host != "" || info.Port != 0 || info.Mbtiles {
		t.Errorf("expected zero-value Info for a row with no host/port/mbtiles, got %+v", info)
	}
}

func TestProjectInfoMalformedData(t *testing.T) {
	row := datastore.DataSource{Identifier: "ds3"}
	row.Data = json.RawMessage(`not-json`)

	info := projectInfo(row)
	if info.UseCacheOnly || info.CompressTiles {
		t.Errorf("expected malformed data blob to leave flags false, got %+v", info)
	}
}
