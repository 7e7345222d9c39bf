// Package geoipx contains code to query MaxMind-like databases.
package geoipx

import (
	"errors"
	"net"

	"github.com/ooni/nettest2/internal/model"
	"github.com/oschwald/maxminddb-golang"
)

// libraryName is the name we use to attribute database errors.
const libraryName = "oschwald/maxminddb-golang"

// ErrNoEntry indicates the database contains no entry for the IP.
var ErrNoEntry = errors.New("db_enoent")

// ErrNoDataForType indicates the entry exists but the expected field
// is missing or has an unexpected type.
var ErrNoDataForType = errors.New("db_enodatafortype")

// asnRecord is the raw record returned by ASN database lookups. The
// fields are untyped so that we can tell a missing field apart from a
// field with an unexpected type.
type asnRecord struct {
	AutonomousSystemNumber       interface{} `maxminddb:"autonomous_system_number"`
	AutonomousSystemOrganization interface{} `maxminddb:"autonomous_system_organization"`
}

// decode validates the raw record and maps it onto an AS number and
// an AS organization name. The found argument tells us whether the
// database actually contained an entry for the IP.
func (rec *asnRecord) decode(found bool) (uint, string, error) {
	if !found {
		return 0, "", ErrNoEntry
	}
	asn, ok := rec.AutonomousSystemNumber.(uint64)
	if !ok {
		return 0, "", ErrNoDataForType
	}
	org, ok := rec.AutonomousSystemOrganization.(string)
	if !ok {
		return 0, "", ErrNoDataForType
	}
	return uint(asn), org, nil
}

// countryRecord is the raw record returned by country database lookups.
type countryRecord struct {
	RegisteredCountry struct {
		IsoCode interface{} `maxminddb:"iso_code"`
	} `maxminddb:"registered_country"`
}

// decode validates the raw record and maps it onto a country code.
func (rec *countryRecord) decode(found bool) (string, error) {
	if !found {
		return "", ErrNoEntry
	}
	cc, ok := rec.RegisteredCountry.IsoCode.(string)
	if !ok {
		return "", ErrNoDataForType
	}
	return cc, nil
}

// LookupASN maps ip to an AS number and an AS organization name
// using the database at dbPath. Returns ErrNoEntry when the database
// has no entry for ip and ErrNoDataForType when the entry is missing
// the expected fields.
func LookupASN(dbPath, ip string) (asn uint, org string, err error) {
	asn, org = 0, model.DefaultProbeNetworkName
	db, err := maxminddb.Open(dbPath)
	if err != nil {
		return asn, org, model.NewLibraryError(libraryName, err)
	}
	defer db.Close()
	var record asnRecord
	_, found, err := db.LookupNetwork(net.ParseIP(ip), &record)
	if err != nil {
		return asn, org, model.NewLibraryError(libraryName, err)
	}
	value, name, err := record.decode(found)
	if err != nil {
		return asn, org, err
	}
	return value, name, nil
}

// LookupCC maps ip to a country code using the database at dbPath.
// Returns ErrNoEntry when the database has no entry for ip and
// ErrNoDataForType when the entry is missing the expected field.
func LookupCC(dbPath, ip string) (cc string, err error) {
	cc = model.DefaultProbeCC
	db, err := maxminddb.Open(dbPath)
	if err != nil {
		return cc, model.NewLibraryError(libraryName, err)
	}
	defer db.Close()
	var record countryRecord
	_, found, err := db.LookupNetwork(net.ParseIP(ip), &record)
	if err != nil {
		return cc, model.NewLibraryError(libraryName, err)
	}
	value, err := record.decode(found)
	if err != nil {
		return cc, err
	}
	return value, nil
}
