package reqguard

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/oschwald/maxminddb-golang"
)

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	RegisteredCountry struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"registered_country"`
}

// MaxMindGeoReader resolves countries from a GeoIP2 or GeoLite2 country or
// city database.
type MaxMindGeoReader struct {
	db *maxminddb.Reader
}

// OpenGeoReader memory-maps the database at path.
func OpenGeoReader(path string) (*MaxMindGeoReader, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geo database %s: %w", path, err)
	}
	return &MaxMindGeoReader{db: db}, nil
}

// Country returns the upper-case ISO code for addr, or "" when unknown.
func (g *MaxMindGeoReader) Country(addr netip.Addr) string {
	if !addr.IsValid() {
		return ""
	}
	var rec countryRecord
	if err := g.db.Lookup(net.IP(addr.Unmap().AsSlice()), &rec); err != nil {
		return ""
	}
	code := rec.Country.ISOCode
	if code == "" {
		code = rec.RegisteredCountry.ISOCode
	}
	return strings.ToUpper(code)
}

func (g *MaxMindGeoReader) Close() error {
	return g.db.Close()
}
