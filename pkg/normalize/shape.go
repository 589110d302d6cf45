package normalize

import "github.com/tidwall/gjson"

// Shape tags the schema generation a stored payload was written in.
type Shape int

const (
	// ShapeMinimal carries little more than a name and a confidence.
	ShapeMinimal Shape = iota
	// ShapeLegacy nests the payload sections under "report" in snake_case.
	ShapeLegacy
	// ShapeCurrent is the flat camelCase layout written today.
	ShapeCurrent
)

func (s Shape) String() string {
	switch s {
	case ShapeLegacy:
		return "legacy"
	case ShapeCurrent:
		return "current"
	default:
		return "minimal"
	}
}

// currentKeys are the top-level keys that only the flat layout writes.
var currentKeys = []string{
	"personalInfo", "socialMedia", "publicRecords", "databaseRecords",
	"summary", "other", "metadata", "scannedAt", "accuracy", "location",
}

// DetectShape classifies a decoded JSON object.
func DetectShape(doc gjson.Result) Shape {
	if doc.Get("report").IsObject() {
		return ShapeLegacy
	}
	for _, k := range currentKeys {
		if doc.Get(k).Exists() {
			return ShapeCurrent
		}
	}
	return ShapeMinimal
}

// section names one payload container in each layout.
type section struct {
	current string
	legacy  string
}

var (
	sectionPersonal = section{"personalInfo", "report.personal_info"}
	sectionSocial   = section{"socialMedia", "report.social_media"}
	sectionDatabase = section{"databaseRecords", "report.database_records"}
	sectionPublic   = section{"publicRecords", "report.public_records"}
	sectionOther    = section{"other", "report.other"}
	sectionSummary  = section{"summary", "report.summary"}
	sectionMetadata = section{"metadata", "report.metadata"}
)

// lookup resolves a section for the given shape. Legacy payloads may also
// carry flat keys written by later edits, and those win.
func (sec section) lookup(doc gjson.Result, shape Shape) gjson.Result {
	switch shape {
	case ShapeCurrent:
		return doc.Get(sec.current)
	case ShapeLegacy:
		if r := doc.Get(sec.current); r.Exists() {
			return r
		}
		return doc.Get(sec.legacy)
	default:
		return gjson.Result{}
	}
}
