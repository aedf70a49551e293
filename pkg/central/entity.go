// Package central builds ODK Central payloads (entities, CSV media, status
// labels) and talks to a Central server over HTTP.
package central

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/paulmach/orb/geojson"

	"fmtmgo/pkg/errdefs"
	"fmtmgo/pkg/geo"
	"fmtmgo/pkg/javarosa"
	"fmtmgo/pkg/model"
)

// Entity is one row of a Central dataset. Data values are always strings.
type Entity struct {
	UUID  string            `json:"uuid,omitempty"`
	Label string            `json:"label"`
	Data  map[string]string `json:"data"`
}

// FeatureToEntity converts one task-split feature. The geometry goes into
// data.geometry as a JavaRosa string, every property is stringified, and
// status starts as READY.
func FeatureToEntity(f *geojson.Feature, taskID, featureID string) (Entity, error) {
	if f == nil {
		return Entity{}, fmt.Errorf("%w: nil feature", errdefs.ErrValidation)
	}
	geom, err := javarosa.Encode(f.Geometry)
	if err != nil {
		return Entity{}, fmt.Errorf("failed to encode entity geometry: %w", err)
	}

	data := make(map[string]string, len(f.Properties)+2)
	for k, v := range f.Properties {
		data[k] = geo.ValueString(v)
	}
	data["geometry"] = geom
	data["status"] = model.StatusReady.Value()

	return Entity{
		Label: fmt.Sprintf("Task %s Feature %s", taskID, featureID),
		Data:  data,
	}, nil
}

// FeaturesToEntities flattens a task index → features map into entities,
// walking tasks in ascending order. The task id comes from each feature's
// task_id property and the feature id from its id. Entities sharing a label
// collapse to the last one seen.
func FeaturesToEntities(tasks map[int]*geojson.FeatureCollection) ([]Entity, error) {
	idxs := make([]int, 0, len(tasks))
	for i := range tasks {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)

	var out []Entity
	pos := make(map[string]int)
	for _, i := range idxs {
		fc := tasks[i]
		if fc == nil {
			continue
		}
		for _, f := range fc.Features {
			if f == nil {
				continue
			}
			e, err := FeatureToEntity(f, geo.PropertyString(f.Properties, "task_id"), geo.ValueString(f.ID))
			if err != nil {
				return nil, err
			}
			if p, ok := pos[e.Label]; ok {
				out[p] = e
				continue
			}
			pos[e.Label] = len(out)
			out = append(out, e)
		}
	}
	return out, nil
}

var statusEmoji = map[model.TaskStatus]string{
	model.StatusLockedForMapping: "🔒",
	model.StatusMapped:           "✅",
	model.StatusInvalidated:      "❌",
	model.StatusBad:              "❌",
}

// StatusLabel strips any status emoji already leading label and prefixes the
// one for status. Statuses without an emoji leave the bare label.
func StatusLabel(label string, status model.TaskStatus) string {
	for _, e := range []string{"🔒", "✅", "❌"} {
		if strings.HasPrefix(label, e) {
			label = strings.TrimLeftFunc(label[len(e):], unicode.IsSpace)
			break
		}
	}
	if e, ok := statusEmoji[status]; ok {
		return e + " " + label
	}
	return label
}
