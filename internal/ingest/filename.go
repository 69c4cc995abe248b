// Package ingest loads forecast JSON files and gridded Zarr stores into
// the store.
package ingest

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/fieldmap/server/internal/store"
)

// FileKind is what a forecast file contains.
type FileKind string

const (
	KindMember        FileKind = "member"
	KindMean          FileKind = "mean"
	KindStd           FileKind = "std"
	KindDeterministic FileKind = "deterministic"
)

var (
	hourPattern   = regexp.MustCompile(`-(\d+)h-`)
	memberPattern = regexp.MustCompile(`_member_(\d+)\.json$`)
)

// knownVariables are detected in file names, longest first.
var knownVariables = []string{store.VariableWindU, store.VariableWindV, store.VariablePrecipitation}

// FileInfo is the metadata encoded in a forecast file name.
type FileInfo struct {
	Hour     int
	Member   *int
	Kind     FileKind
	Variable string
}

// ParseFilename extracts forecast metadata from name. Files without an
// hour tag are hour 0; files naming no known variable get defaultVariable.
func ParseFilename(name, defaultVariable string) FileInfo {
	base := trimCompression(filepath.Base(name))
	info := FileInfo{Kind: KindDeterministic, Variable: defaultVariable}

	if m := hourPattern.FindStringSubmatch(base); m != nil {
		info.Hour, _ = strconv.Atoi(m[1])
	}

	switch {
	case memberPattern.MatchString(base):
		n, _ := strconv.Atoi(memberPattern.FindStringSubmatch(base)[1])
		info.Member = &n
		info.Kind = KindMember
	case strings.HasSuffix(base, "_mean.json"):
		info.Kind = KindMean
	case strings.HasSuffix(base, "_std.json"):
		info.Kind = KindStd
	}

	for _, v := range knownVariables {
		if strings.Contains(base, v) {
			info.Variable = v
			break
		}
	}
	return info
}

// IsForecastFile reports whether name is a loadable forecast file.
func IsForecastFile(name string) bool {
	return strings.HasSuffix(trimCompression(name), ".json")
}

func trimCompression(name string) string {
	for _, ext := range []string{".gz", ".zst"} {
		if strings.HasSuffix(name, ext) {
			return strings.TrimSuffix(name, ext)
		}
	}
	return name
}
