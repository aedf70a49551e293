package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"fmtmgo/pkg/config"
	"fmtmgo/pkg/errdefs"
	"fmtmgo/pkg/geo"
	"fmtmgo/pkg/split"
	"fmtmgo/pkg/xform"
)

// ProjectHandler serves task splitting and form preparation. The stored
// project routes live in project_store.go.
type ProjectHandler struct {
	splitter *split.Splitter
	defaults config.SplitConfig
	logger   *slog.Logger

	// stored projects, optional
	projects *ProjectDeps
}

// NewProjectHandler creates a ProjectHandler. projects may be nil, which
// leaves only the stateless routes registered.
func NewProjectHandler(splitter *split.Splitter, defaults config.SplitConfig, projects *ProjectDeps, logger *slog.Logger) *ProjectHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProjectHandler{splitter: splitter, defaults: defaults, projects: projects, logger: logger}
}

// Routes returns the /projects router.
func (h *ProjectHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/task-split", h.HandleTaskSplit)
	r.Post("/preview-split-by-square", h.HandlePreviewSplitBySquare)
	r.Post("/validate-form", h.HandleValidateForm)
	r.Post("/specialize-form", h.HandleSpecializeForm)

	if h.projects != nil {
		r.Get("/", h.HandleListProjects)
		r.Post("/", h.HandleCreateProject)
		r.Patch("/tasks/{taskID}/status", h.HandleUpdateTaskStatus)
		r.Route("/{projectID}", func(r chi.Router) {
			r.Get("/", h.HandleGetProject)
			r.Delete("/", h.HandleDeleteProject)
			r.Post("/split", h.HandleSplitProject)
			r.Get("/tasks", h.HandleListTasks)
			r.Get("/tasks/{index}/features", h.HandleTaskFeatures)
			r.Get("/artifacts", h.HandleListArtifacts)
			r.Post("/generate-project-data", h.HandleGenerateProjectData)
			if h.projects.Central != nil {
				r.Get("/entities", h.HandleListEntities)
				r.Get("/entities/{entityID}", h.HandleGetEntity)
				r.Patch("/entities/{entityID}/status", h.HandleEntityStatus)
			}
		})
	}

	return r
}

// parseBoundary reads an uploaded AOI, checks its CRS and merges it into a
// single polygon.
func parseBoundary(logger *slog.Logger, raw []byte) (orb.Polygon, error) {
	if err := geo.CheckCRSBytes(raw); err != nil {
		return nil, err
	}
	fc, err := geo.Normalize(raw, false)
	if err != nil {
		return nil, err
	}
	if fc == nil {
		return nil, geo.ErrNoFeatures
	}
	merged, err := geo.MergeMultipolygon(logger, fc)
	if err != nil {
		return nil, err
	}
	return merged.Features[0].Geometry.(orb.Polygon), nil
}

// parseExtract reads an optional data extract, keeping only its main
// geometry type with multipolygons split into parts. An upload without
// features is logged and treated as absent.
func parseExtract(logger *slog.Logger, raw []byte) (*geojson.FeatureCollection, error) {
	if raw == nil {
		return nil, nil
	}
	fc, err := geo.Normalize(raw, true)
	if err != nil {
		return nil, err
	}
	if fc == nil {
		logger.Warn("Parsed geojson file contained no geometries")
		return nil, nil
	}
	if err := geo.CheckCRS(fc); err != nil {
		return nil, err
	}
	if geo.MainGeometryType(fc) == geo.ClassPolygon {
		fc = geo.MultipolygonToPolygon(fc)
	}
	return geo.AddRequiredProperties(fc, newRand(), nil), nil
}

// HandleTaskSplit handles POST /projects/task-split.
//
// Form fields: project_geojson (file), extract_geojson (optional file) and
// no_of_buildings (features per task).
func (h *ProjectHandler) HandleTaskSplit(w http.ResponseWriter, r *http.Request) {
	raw, _, err := readUpload(r, "project_geojson")
	if err != nil {
		writeError(w, r, err)
		return
	}
	boundary, err := parseBoundary(h.logger, raw)
	if err != nil {
		writeError(w, r, err)
		return
	}

	extractRaw, err := optionalUpload(r, "extract_geojson")
	if err != nil {
		writeError(w, r, err)
		return
	}
	features, err := parseExtract(h.logger, extractRaw)
	if err != nil {
		writeError(w, r, err)
		return
	}

	target, err := formInt(r, "no_of_buildings", h.defaults.FeaturesPerTask)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.splitter.ByFeatureCount(r.Context(), 0, boundary, features, target)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskCollection(res))
}

// taskCollection is the task polygons with a feature_count per task.
func taskCollection(res *split.Result) *geojson.FeatureCollection {
	fc := res.TaskCollection()
	for i, f := range fc.Features {
		n := 0
		if assigned := res.Features[i+1]; assigned != nil {
			n = len(assigned.Features)
		}
		f.Properties["feature_count"] = n
	}
	return fc
}

// HandlePreviewSplitBySquare handles POST /projects/preview-split-by-square.
//
// Form fields: project_geojson (.geojson or .json file) and dimension in
// metres.
func (h *ProjectHandler) HandlePreviewSplitBySquare(w http.ResponseWriter, r *http.Request) {
	raw, _, err := readUpload(r, "project_geojson", ".geojson", ".json")
	if err != nil {
		writeError(w, r, err)
		return
	}
	boundary, err := parseBoundary(h.logger, raw)
	if err != nil {
		writeError(w, r, err)
		return
	}
	dimension, err := formInt(r, "dimension", int(h.defaults.SquareSize))
	if err != nil {
		writeError(w, r, err)
		return
	}

	fc, err := h.splitter.BySquare(r.Context(), boundary, float64(dimension))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fc)
}

// HandleValidateForm handles POST /projects/validate-form.
func (h *ProjectHandler) HandleValidateForm(w http.ResponseWriter, r *http.Request) {
	raw, name, err := readUpload(r, "form")
	if err != nil {
		writeError(w, r, err)
		return
	}
	media, err := xform.ValidateFile(name, raw)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "media": media})
}

// HandleSpecializeForm handles POST /projects/specialize-form.
//
// Form fields: form (.xml file), category, and task_ids as a comma
// separated list.
func (h *ProjectHandler) HandleSpecializeForm(w http.ResponseWriter, r *http.Request) {
	raw, name, err := readUpload(r, "form", ".xml")
	if err != nil {
		writeError(w, r, err)
		return
	}
	category := strings.TrimSpace(r.FormValue("category"))
	if category == "" {
		writeError(w, r, fmt.Errorf("%w: category is required", errdefs.ErrValidation))
		return
	}
	taskIDs, err := parseTaskIDs(r.FormValue("task_ids"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	out, err := specializeForm(raw, category, taskIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeFile(w, "application/xml", stem(name)+".xml", out)
}

func specializeForm(template []byte, category string, taskIDs []int) ([]byte, error) {
	out, err := xform.Specialize(template, category, taskIDs, nil)
	if err != nil {
		return nil, err
	}
	return xform.UpdateEntityRegistration(out, category)
}

func parseTaskIDs(s string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid task id %q", errdefs.ErrValidation, part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
