package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"fmtmgo/pkg/central"
	"fmtmgo/pkg/errdefs"
	"fmtmgo/pkg/fgb"
	"fmtmgo/pkg/model"
	"fmtmgo/pkg/split"
	"fmtmgo/pkg/store"
	"fmtmgo/pkg/submission"
	"fmtmgo/pkg/xform"
)

// ProjectDeps are the collaborators of the stored project routes.
type ProjectDeps struct {
	Store   store.Store
	Codec   fgb.Codec
	Central central.Client // optional
}

type projectResponse struct {
	*model.Project
	Outline *geojson.Geometry `json:"outline"`
}

type taskResponse struct {
	*model.Task
	Status  string            `json:"task_status"`
	Outline *geojson.Geometry `json:"outline"`
}

func newProjectResponse(p *model.Project) projectResponse {
	return projectResponse{Project: p, Outline: geometryOrNil(p.Outline)}
}

func newTaskResponse(t *model.Task) taskResponse {
	return taskResponse{Task: t, Status: t.Status.String(), Outline: geometryOrNil(t.Outline)}
}

func geometryOrNil(p orb.Polygon) *geojson.Geometry {
	if len(p) == 0 {
		return nil
	}
	return geojson.NewGeometry(p)
}

func artifactKey(projectID int64, name string) string {
	return fmt.Sprintf("projects/%d/%s", projectID, name)
}

func taskArtifact(projectID int64, index int) string {
	return artifactKey(projectID, fmt.Sprintf("tasks/%d.fgb", index))
}

func pathID(r *http.Request, key string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, key), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s", errdefs.ErrValidation, key)
	}
	return id, nil
}

// project loads the {projectID} path project.
func (h *ProjectHandler) project(r *http.Request) (*model.Project, error) {
	id, err := pathID(r, "projectID")
	if err != nil {
		return nil, err
	}
	return h.projects.Store.GetProject(r.Context(), id)
}

// HandleCreateProject handles POST /projects.
//
// Form fields: name, category, odk_project_id (optional) and
// project_geojson (file).
func (h *ProjectHandler) HandleCreateProject(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.FormValue("name"))
	category := strings.TrimSpace(r.FormValue("category"))
	if name == "" || category == "" {
		writeError(w, r, fmt.Errorf("%w: name and category are required", errdefs.ErrValidation))
		return
	}
	odkID, err := formInt(r, "odk_project_id", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
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

	p := &model.Project{Name: name, Category: category, Outline: boundary, ODKProjectID: int64(odkID)}
	if err := h.projects.Store.CreateProject(r.Context(), p); err != nil {
		writeError(w, r, err)
		return
	}
	h.logger.Info("Created project", "project_id", p.ID, "name", p.Name, "category", p.Category)
	writeJSON(w, http.StatusCreated, newProjectResponse(p))
}

// HandleListProjects handles GET /projects.
func (h *ProjectHandler) HandleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.projects.Store.ListProjects(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]projectResponse, 0, len(projects))
	for _, p := range projects {
		out = append(out, newProjectResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleGetProject handles GET /projects/{projectID}.
func (h *ProjectHandler) HandleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.project(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newProjectResponse(p))
}

// HandleDeleteProject handles DELETE /projects/{projectID}.
func (h *ProjectHandler) HandleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "projectID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.projects.Store.DeleteProject(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := h.projects.Store.DeleteArtifacts(r.Context(), artifactKey(id, "")); err != nil {
		h.logger.Warn("Failed to delete project artifacts", "project_id", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSplitProject handles POST /projects/{projectID}/split.
//
// With an extract_geojson upload the boundary is split by feature count
// (no_of_buildings) and each task's features are stored as a FlatGeobuf
// artifact. Without one it is split into squares of dimension metres.
// Existing tasks are replaced.
func (h *ProjectHandler) HandleSplitProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := h.project(r)
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

	var outlines []orb.Polygon
	assigned := map[int]*geojson.FeatureCollection{}
	if features != nil {
		target, err := formInt(r, "no_of_buildings", h.defaults.FeaturesPerTask)
		if err != nil {
			writeError(w, r, err)
			return
		}
		res, err := h.splitter.ByFeatureCount(ctx, p.ID, p.Outline, features, target)
		if err != nil {
			writeError(w, r, err)
			return
		}
		outlines, assigned = res.Tasks, res.Features
	} else {
		dimension, err := formInt(r, "dimension", int(h.defaults.SquareSize))
		if err != nil {
			writeError(w, r, err)
			return
		}
		fc, err := h.splitter.BySquare(ctx, p.Outline, float64(dimension))
		if err != nil {
			writeError(w, r, err)
			return
		}
		for _, f := range fc.Features {
			outlines = append(outlines, f.Geometry.(orb.Polygon))
		}
	}

	tasks := make([]*model.Task, 0, len(outlines))
	for i, outline := range outlines {
		t := &model.Task{Index: i + 1, Outline: outline, Status: model.StatusReady}
		if fc := assigned[i+1]; fc != nil {
			t.FeatureCount = len(fc.Features)
		}
		tasks = append(tasks, t)
	}
	// Encode before writing so a failed task leaves the previous split intact.
	encoded := make(map[int][]byte, len(assigned))
	for idx, fc := range assigned {
		if fc == nil || len(fc.Features) == 0 {
			continue
		}
		data, err := h.projects.Codec.Encode(ctx, fc)
		if err != nil {
			writeError(w, r, fmt.Errorf("failed to encode task %d features: %w", idx, err))
			return
		}
		if data != nil {
			encoded[idx] = data
		}
	}

	if err := h.projects.Store.ReplaceTasks(ctx, p.ID, tasks); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := h.projects.Store.DeleteArtifacts(ctx, artifactKey(p.ID, "tasks/")); err != nil {
		writeError(w, r, err)
		return
	}
	for idx, data := range encoded {
		if err := h.projects.Store.SetArtifact(ctx, taskArtifact(p.ID, idx), data); err != nil {
			writeError(w, r, err)
			return
		}
	}

	h.logger.Info("Stored project split", "project_id", p.ID, "tasks", len(tasks))
	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, newTaskResponse(t))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleListTasks handles GET /projects/{projectID}/tasks.
func (h *ProjectHandler) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	p, err := h.project(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tasks, err := h.projects.Store.ListTasks(r.Context(), p.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, newTaskResponse(t))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleTaskFeatures handles GET /projects/{projectID}/tasks/{index}/features.
func (h *ProjectHandler) HandleTaskFeatures(w http.ResponseWriter, r *http.Request) {
	p, err := h.project(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid task index", errdefs.ErrValidation))
		return
	}
	fc, err := h.taskFeatures(r, p.ID, idx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fc)
}

// taskFeatures decodes the stored features of one task. A task without an
// artifact has no features.
func (h *ProjectHandler) taskFeatures(r *http.Request, projectID int64, idx int) (*geojson.FeatureCollection, error) {
	data, ok := h.projects.Store.GetArtifact(r.Context(), taskArtifact(projectID, idx))
	if !ok {
		return geojson.NewFeatureCollection(), nil
	}
	fc, err := h.projects.Codec.Decode(r.Context(), data)
	if err != nil {
		return nil, err
	}
	if fc == nil {
		return geojson.NewFeatureCollection(), nil
	}
	return fc, nil
}

// HandleUpdateTaskStatus handles PATCH /projects/tasks/{taskID}/status.
// The status form value is a name ("MAPPED") or its integer value.
func (h *ProjectHandler) HandleUpdateTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathID(r, "taskID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	status, err := model.ParseTaskStatus(r.FormValue("status"))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", errdefs.ErrValidation, err))
		return
	}
	if err := h.projects.Store.UpdateTaskStatus(r.Context(), taskID, status); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": taskID, "task_status": status.String()})
}

// HandleListArtifacts handles GET /projects/{projectID}/artifacts.
func (h *ProjectHandler) HandleListArtifacts(w http.ResponseWriter, r *http.Request) {
	p, err := h.project(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	keys, err := h.projects.Store.ListArtifactKeys(r.Context(), artifactKey(p.ID, ""))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, keys)
}

type generateResponse struct {
	FormID    string   `json:"form_id,omitempty"`
	Entities  int      `json:"entities"`
	Artifacts []string `json:"artifacts"`
}

// HandleGenerateProjectData handles POST /projects/{projectID}/generate-project-data.
//
// It specializes the uploaded XForm (form field) for the project's tasks,
// writes the form and the CSV media as artifacts and, when the project is
// linked to an ODK Central project, creates and publishes the form and
// registers every task feature as an entity.
func (h *ProjectHandler) HandleGenerateProjectData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := h.project(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	template, name, err := readUpload(r, "form", ".xml")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := xform.ValidateFile(name, template); err != nil {
		writeError(w, r, err)
		return
	}

	tasks, err := h.projects.Store.ListTasks(ctx, p.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(tasks) == 0 {
		writeError(w, r, fmt.Errorf("%w: project %d has no tasks, split it first", errdefs.ErrValidation, p.ID))
		return
	}

	taskIDs := make([]int, 0, len(tasks))
	byTask := make(map[int]*geojson.FeatureCollection, len(tasks))
	all := geojson.NewFeatureCollection()
	for _, t := range tasks {
		taskIDs = append(taskIDs, t.Index)
		fc, err := h.taskFeatures(r, p.ID, t.Index)
		if err != nil {
			writeError(w, r, err)
			return
		}
		tagged := geojson.NewFeatureCollection()
		for _, f := range fc.Features {
			tf := split.Tag(f, t.Index, p.ID)
			tagged.Append(tf)
			all.Append(tf)
		}
		byTask[t.Index] = tagged
	}

	form, err := specializeForm(template, p.Category, taskIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := generateResponse{Artifacts: []string{}}
	formKey := artifactKey(p.ID, "form.xml")
	if err := h.projects.Store.SetArtifact(ctx, formKey, form); err != nil {
		writeError(w, r, err)
		return
	}
	resp.Artifacts = append(resp.Artifacts, formKey)

	var media []byte
	if len(all.Features) > 0 {
		if media, err = central.GeoJSONToCSV(all); err != nil {
			writeError(w, r, err)
			return
		}
		mediaKey := artifactKey(p.ID, p.Category+".csv")
		if err := h.projects.Store.SetArtifact(ctx, mediaKey, media); err != nil {
			writeError(w, r, err)
			return
		}
		resp.Artifacts = append(resp.Artifacts, mediaKey)
	}

	if h.projects.Central == nil || p.ODKProjectID == 0 {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	odk := h.projects.Central
	formID, err := odk.CreateForm(ctx, p.ODKProjectID, form)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if media != nil {
		if err := odk.UploadMedia(ctx, p.ODKProjectID, formID, p.Category+".csv", media); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if err := odk.PublishForm(ctx, p.ODKProjectID, formID); err != nil {
		writeError(w, r, err)
		return
	}

	entities, err := central.FeaturesToEntities(byTask)
	if err != nil {
		writeError(w, r, err)
		return
	}
	for i := range entities {
		entities[i].UUID = entityUUID(p.ID, entities[i].Label)
	}
	if err := odk.CreateEntities(ctx, p.ODKProjectID, p.Category, entities); err != nil {
		writeError(w, r, err)
		return
	}

	resp.FormID = formID
	resp.Entities = len(entities)
	h.logger.Info("Generated project data",
		"project_id", p.ID,
		"odk_project_id", p.ODKProjectID,
		"form_id", formID,
		"entities", len(entities))
	writeJSON(w, http.StatusOK, resp)
}

// entityUUID is stable per project and label, so regenerating a project
// addresses the same entities.
func entityUUID(projectID int64, label string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("fmtm:project/%d/%s", projectID, label))).String()
}

// linked returns the {projectID} project, failing when it has no ODK
// Central project.
func (h *ProjectHandler) linked(r *http.Request) (*model.Project, error) {
	p, err := h.project(r)
	if err != nil {
		return nil, err
	}
	if p.ODKProjectID == 0 {
		return nil, fmt.Errorf("%w: project %d is not linked to an ODK project", errdefs.ErrValidation, p.ID)
	}
	return p, nil
}

// HandleListEntities handles GET /projects/{projectID}/entities. The
// project's dataset is returned as GeoJSON; ?format=data returns the rows
// without geometry.
func (h *ProjectHandler) HandleListEntities(w http.ResponseWriter, r *http.Request) {
	p, err := h.linked(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rows, err := h.projects.Central.ListEntities(r.Context(), p.ODKProjectID, p.Category, "geometry,osm_id,status,task_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if r.URL.Query().Get("format") == "data" {
		writeJSON(w, http.StatusOK, submission.EntitiesData(rows))
		return
	}
	fc, err := submission.EntitiesToGeoJSON(rows)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fc)
}

// HandleGetEntity handles GET /projects/{projectID}/entities/{entityID}.
func (h *ProjectHandler) HandleGetEntity(w http.ResponseWriter, r *http.Request) {
	p, err := h.linked(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	flat, err := central.EntityStatus(r.Context(), h.projects.Central, p.ODKProjectID, p.Category, chi.URLParam(r, "entityID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, flat)
}

// HandleEntityStatus handles PATCH /projects/{projectID}/entities/{entityID}/status.
//
// Form fields: status (name or integer) and label. Without a label the
// entity's current label is used.
func (h *ProjectHandler) HandleEntityStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := h.linked(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	entityID := chi.URLParam(r, "entityID")
	status, err := model.ParseTaskStatus(r.FormValue("status"))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", errdefs.ErrValidation, err))
		return
	}

	label := strings.TrimSpace(r.FormValue("label"))
	if label == "" {
		current, err := central.EntityStatus(ctx, h.projects.Central, p.ODKProjectID, p.Category, entityID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		label, _ = current["label"].(string)
	}

	flat, err := central.SetEntityStatus(ctx, h.projects.Central, p.ODKProjectID, p.Category, entityID, label, status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.logger.Info("Updated entity status",
		"project_id", p.ID,
		"entity", entityID,
		"status", status.String())
	writeJSON(w, http.StatusOK, flat)
}
