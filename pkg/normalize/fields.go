package normalize

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/sw33tLie/casefile/pkg/storage"
)

func resolveName(doc, personal, meta gjson.Result) string {
	for _, r := range []gjson.Result{doc.Get("name"), personal.Get("name"), meta.Get("name")} {
		if r.Type != gjson.String {
			continue
		}
		if name := strings.TrimSpace(r.Str); name != "" {
			return name
		}
	}
	return storage.UnknownName
}

// resolveLocation prefers a typed location object, then a bare address
// string, then the source's GPS fix.
func resolveLocation(doc, personal, meta gjson.Result) storage.Location {
	candidates := []gjson.Result{doc.Get("location"), personal.Get("location")}
	for _, r := range candidates {
		if loc, ok := typedLocation(r); ok {
			return loc
		}
	}
	for _, r := range candidates {
		if r.Type == gjson.String && strings.TrimSpace(r.Str) != "" {
			return storage.Location{Address: strings.TrimSpace(r.Str)}
		}
	}
	gps := meta.Get("gpsCoordinates")
	if gps.IsObject() && (gps.Get("latitude").Exists() || gps.Get("longitude").Exists()) {
		return storage.Location{
			Latitude:  finite(number(gps.Get("latitude"))),
			Longitude: finite(number(gps.Get("longitude"))),
			Address:   storage.UnknownName,
		}
	}
	return storage.DefaultLocation()
}

// usableLocation reports whether resolveLocation would take r.
func usableLocation(r gjson.Result) bool {
	if _, ok := typedLocation(r); ok {
		return true
	}
	return r.Type == gjson.String && strings.TrimSpace(r.Str) != ""
}

func typedLocation(r gjson.Result) (storage.Location, bool) {
	if !r.IsObject() {
		return storage.Location{}, false
	}
	lat := firstExisting(r, "latitude", "lat")
	lng := firstExisting(r, "longitude", "lng")
	addr := r.Get("address")
	if !lat.Exists() && !lng.Exists() && !addr.Exists() {
		return storage.Location{}, false
	}
	loc := storage.Location{
		Latitude:  finite(number(lat)),
		Longitude: finite(number(lng)),
		Address:   strings.TrimSpace(addr.String()),
	}
	if loc.Address == "" {
		loc.Address = storage.UnknownName
	}
	return loc, true
}

// resolveAccuracy reads the confidence score in any of its historical
// spellings and clamps it to [0, 100].
func resolveAccuracy(doc gjson.Result, shape Shape) float64 {
	paths := []string{"accuracy", "confidence"}
	if shape == ShapeLegacy {
		paths = append(paths, "report.accuracy", "report.confidence")
	}
	r := firstExisting(doc, paths...)
	v := finite(number(r))
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

func resolveScannedAt(doc, meta gjson.Result) int64 {
	for _, path := range []string{"scannedAt", "createdAt", "timestamp"} {
		if ms := millis(doc.Get(path)); ms > 0 {
			return ms
		}
	}
	if ms := millis(meta.Get("generatedAt")); ms > 0 {
		return ms
	}
	return 0
}

func resolveMeta(meta gjson.Result) storage.SourceMeta {
	if !meta.IsObject() {
		return storage.SourceMeta{}
	}
	gps := meta.Get("gpsCoordinates")
	return storage.SourceMeta{
		MainID:       text(meta.Get("mainId")),
		SubID:        text(meta.Get("subId")),
		GeneratedAt:  text(meta.Get("generatedAt")),
		ProfileImage: text(meta.Get("profileImage")),
		GPSCoordinates: storage.GPS{
			Latitude:  finite(number(gps.Get("latitude"))),
			Longitude: finite(number(gps.Get("longitude"))),
		},
	}
}

func firstExisting(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

// number coerces JSON numbers, numeric strings and percentages.
func number(r gjson.Result) float64 {
	switch r.Type {
	case gjson.Number:
		return r.Num
	case gjson.String:
		s := strings.TrimSpace(r.Str)
		s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// millis reads epoch milliseconds from a number, a numeric string or an
// RFC 3339 timestamp.
func millis(r gjson.Result) int64 {
	switch r.Type {
	case gjson.Number:
		return int64(finite(r.Num))
	case gjson.String:
		s := strings.TrimSpace(r.Str)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UnixMilli()
		}
	}
	return 0
}

func text(r gjson.Result) string {
	switch r.Type {
	case gjson.String, gjson.Number:
		return r.String()
	}
	return ""
}

func object(r gjson.Result) map[string]any {
	if r.IsObject() {
		if m, ok := r.Value().(map[string]interface{}); ok && m != nil {
			return m
		}
	}
	return map[string]any{}
}

// list keeps arrays as they are and wraps a lone object.
func list(r gjson.Result) []any {
	switch {
	case r.IsArray():
		if v, ok := r.Value().([]interface{}); ok && v != nil {
			return v
		}
	case r.IsObject():
		return []any{r.Value()}
	}
	return []any{}
}
