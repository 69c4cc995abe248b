package ingest

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"math"
	"sort"
	"strings"

	"github.com/fieldmap/server/internal/data/zarr"
	"github.com/fieldmap/server/internal/store"
)

// Coordinate arrays of a gridded store. Data arrays are laid out as
// [lead_time, latitude, longitude] or [lead_time, member, latitude, longitude];
// names ending in _mean or _std hold ensemble statistics.
const (
	zarrLatitude  = "latitude"
	zarrLongitude = "longitude"
	zarrLeadTime  = "lead_time"
	zarrMember    = "member"
)

// IsZarrStore reports whether name is a gridded Zarr store directory.
func IsZarrStore(name string) bool {
	return strings.HasSuffix(name, ".zarr")
}

type zarrGrid struct {
	ny, nx int
	lat    *zarr.Array
	lon    *zarr.Array
}

// point returns the coordinates of cell (j, i). Coordinates are either
// 1-D axes or 2-D [latitude, longitude] arrays.
func (g zarrGrid) point(j, i int) (float64, float64) {
	if len(g.lat.Shape) == 2 {
		return g.lat.At(j, i), g.lon.At(j, i)
	}
	return g.lat.At(j), g.lon.At(i)
}

type zarrVariable struct {
	array    string
	variable string
	kind     FileKind
}

// loadZarr loads every data array of a gridded store.
func (l *Loader) loadZarr(path string, t Target) (int, error) {
	r, err := zarr.NewReader(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	grid, err := readZarrGrid(r)
	if err != nil {
		return 0, err
	}
	hours, err := readZarrInts(r, zarrLeadTime)
	if err != nil {
		return 0, err
	}
	// Member numbers are optional; without them members are numbered from 0.
	members, err := readZarrInts(r, zarrMember)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, err
	}

	vars, err := zarrVariables(r)
	if err != nil {
		return 0, err
	}
	if len(vars) == 0 {
		return 0, nil
	}

	if _, err := l.store.EnsureModel(t.Model); err != nil {
		return 0, err
	}
	runID, err := l.store.CreateRun(t.Model, t.InitTime)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, v := range vars {
		meta, err := r.Meta(v.array)
		if err != nil {
			return total, err
		}
		arr, err := r.Read(v.array)
		if err != nil {
			return total, err
		}

		unit, _ := meta.Attributes["units"].(string)
		variableID, err := l.store.EnsureVariable(v.variable, unit)
		if err != nil {
			return total, err
		}

		n, err := l.writeZarrArray(runID, variableID, v, arr, grid, hours, members)
		total += n
		if err != nil {
			return total, fmt.Errorf("%s: %w", v.array, err)
		}
	}

	if err := l.store.MarkFileIngested(path, t.Model, runID, total); err != nil {
		log.Printf("[Ingest] failed to record %s: %v", path, err)
	}
	return total, nil
}

func (l *Loader) writeZarrArray(runID, variableID int64, v zarrVariable, arr *zarr.Array, grid zarrGrid, hours, members []int) (int, error) {
	nMembers := 1
	if len(arr.Shape) == 4 {
		nMembers = arr.Shape[1]
	}
	if arr.Shape[0] != len(hours) || arr.Shape[len(arr.Shape)-2] != grid.ny || arr.Shape[len(arr.Shape)-1] != grid.nx {
		return 0, fmt.Errorf("shape %v does not match grid %dx%d with %d lead times", arr.Shape, grid.ny, grid.nx, len(hours))
	}

	written := 0
	for h, hour := range hours {
		for m := 0; m < nMembers; m++ {
			info := FileInfo{Hour: hour, Kind: v.kind, Variable: v.variable}
			if len(arr.Shape) == 4 {
				member := m
				if m < len(members) {
					member = members[m]
				}
				info.Member = &member
			}

			points := make([]store.PointValue, 0, grid.ny*grid.nx)
			for j := 0; j < grid.ny; j++ {
				for i := 0; i < grid.nx; i++ {
					var val float64
					if len(arr.Shape) == 4 {
						val = arr.At(h, m, j, i)
					} else {
						val = arr.At(h, j, i)
					}
					lat, lon := grid.point(j, i)
					p := store.PointValue{Lat: lat, Lon: lon}
					if !math.IsNaN(val) && !math.IsInf(val, 0) {
						p.Value = &val
					}
					points = append(points, p)
				}
			}

			n, err := l.writePoints(runID, variableID, info, points)
			written += n
			if err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

func readZarrGrid(r *zarr.Reader) (zarrGrid, error) {
	lat, err := r.Read(zarrLatitude)
	if err != nil {
		return zarrGrid{}, err
	}
	lon, err := r.Read(zarrLongitude)
	if err != nil {
		return zarrGrid{}, err
	}

	switch {
	case len(lat.Shape) == 1 && len(lon.Shape) == 1:
		return zarrGrid{ny: lat.Shape[0], nx: lon.Shape[0], lat: lat, lon: lon}, nil
	case len(lat.Shape) == 2 && len(lon.Shape) == 2 && lat.Shape[0] == lon.Shape[0] && lat.Shape[1] == lon.Shape[1]:
		return zarrGrid{ny: lat.Shape[0], nx: lat.Shape[1], lat: lat, lon: lon}, nil
	}
	return zarrGrid{}, fmt.Errorf("incompatible coordinate shapes %v and %v", lat.Shape, lon.Shape)
}

func readZarrInts(r *zarr.Reader, name string) ([]int, error) {
	arr, err := r.Read(name)
	if err != nil {
		return nil, err
	}
	if len(arr.Shape) != 1 {
		return nil, fmt.Errorf("%s: expected 1-D array, got shape %v", name, arr.Shape)
	}
	out := make([]int, len(arr.Values))
	for i, v := range arr.Values {
		out[i] = int(math.Round(v))
	}
	return out, nil
}

// zarrVariables lists the data arrays of r with std arrays last, so std
// values update rows their mean array has written.
func zarrVariables(r *zarr.Reader) ([]zarrVariable, error) {
	names, err := r.Arrays()
	if err != nil {
		return nil, err
	}

	var vars []zarrVariable
	for _, name := range names {
		switch name {
		case zarrLatitude, zarrLongitude, zarrLeadTime, zarrMember:
			continue
		}
		meta, err := r.Meta(name)
		if err != nil {
			return nil, err
		}

		v := zarrVariable{array: name, variable: name}
		switch {
		case strings.HasSuffix(name, "_mean"):
			v.kind, v.variable = KindMean, strings.TrimSuffix(name, "_mean")
		case strings.HasSuffix(name, "_std"):
			v.kind, v.variable = KindStd, strings.TrimSuffix(name, "_std")
		case len(meta.Shape) == 4:
			v.kind = KindMember
		default:
			v.kind = KindDeterministic
		}

		want := 3
		if v.kind == KindMember {
			want = 4
		}
		if len(meta.Shape) != want {
			log.Printf("[Ingest] skipping array %s: shape %v", name, meta.Shape)
			continue
		}
		vars = append(vars, v)
	}

	sort.SliceStable(vars, func(i, j int) bool {
		return vars[i].kind != KindStd && vars[j].kind == KindStd
	})
	return vars, nil
}
