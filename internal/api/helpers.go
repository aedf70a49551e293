package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
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
	"fmtmgo/pkg/geo"
	"fmtmgo/pkg/javarosa"
	"fmtmgo/pkg/submission"
)

var errInvalidGeoJSON = fmt.Errorf("%w: Your geojson file is invalid.", errdefs.ErrConversion)

// HelperHandler serves the stateless conversion routes.
type HelperHandler struct {
	codec   fgb.Codec
	central central.Client
	logger  *slog.Logger
}

// NewHelperHandler creates a HelperHandler. central may be nil, which leaves
// the entity upload route unregistered.
func NewHelperHandler(codec fgb.Codec, c central.Client, logger *slog.Logger) *HelperHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HelperHandler{codec: codec, central: c, logger: logger}
}

// Routes returns the /helper router.
func (h *HelperHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/append-geojson-properties", h.HandleAppendProperties)
	r.Post("/convert-geojson-to-odk-csv", h.HandleGeoJSONToCSV)
	r.Post("/javarosa-geom-to-geojson", h.HandleJavaRosaToGeoJSON)
	r.Post("/convert-odk-submission-json-to-geojson", h.HandleSubmissionsToGeoJSON)
	r.Post("/flatgeobuf-to-geojson", h.HandleFlatGeobufToGeoJSON)
	r.Post("/geojson-to-flatgeobuf", h.HandleGeoJSONToFlatGeobuf)

	if h.central != nil {
		r.Post("/create-entities-from-csv", h.HandleCreateEntities)
	}

	return r
}

// prepare normalizes an upload and fills the required properties.
func prepare(raw []byte, filter bool) (*geojson.FeatureCollection, error) {
	fc, err := geo.Normalize(raw, filter)
	if err != nil {
		return nil, err
	}
	if fc == nil {
		return nil, errInvalidGeoJSON
	}
	return geo.AddRequiredProperties(fc, newRand(), nil), nil
}

// HandleAppendProperties handles POST /helper/append-geojson-properties.
func (h *HelperHandler) HandleAppendProperties(w http.ResponseWriter, r *http.Request) {
	raw, _, err := readUpload(r, "geojson")
	if err != nil {
		writeError(w, r, err)
		return
	}
	fc, err := prepare(raw, true)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := json.Marshal(fc)
	if err != nil {
		writeError(w, r, fmt.Errorf("failed to encode geojson: %w", err))
		return
	}
	writeFile(w, "application/media", "geojson_withtags.geojson", out)
}

// HandleGeoJSONToCSV handles POST /helper/convert-geojson-to-odk-csv.
func (h *HelperHandler) HandleGeoJSONToCSV(w http.ResponseWriter, r *http.Request) {
	raw, name, err := readUpload(r, "geojson", ".json", ".geojson")
	if err != nil {
		writeError(w, r, err)
		return
	}
	fc, err := prepare(raw, false)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := central.GeoJSONToCSV(fc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeFile(w, "text/csv", stem(name)+".csv", out)
}

// HandleJavaRosaToGeoJSON handles POST /helper/javarosa-geom-to-geojson.
// Inputs come from the javarosa_string and geometry_type query or form values.
func (h *HelperHandler) HandleJavaRosaToGeoJSON(w http.ResponseWriter, r *http.Request) {
	t, err := javarosa.ParseGeomType(r.FormValue("geometry_type"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	g, err := javarosa.Decode(r.FormValue("javarosa_string"), t)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if g == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, geojson.NewGeometry(g))
}

// HandleSubmissionsToGeoJSON handles POST /helper/convert-odk-submission-json-to-geojson.
func (h *HelperHandler) HandleSubmissionsToGeoJSON(w http.ResponseWriter, r *http.Request) {
	raw, name, err := readUpload(r, "json_file", ".json")
	if err != nil {
		writeError(w, r, err)
		return
	}
	fc, err := submission.SubmissionsToGeoJSON(raw)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := json.Marshal(fc)
	if err != nil {
		writeError(w, r, fmt.Errorf("failed to encode geojson: %w", err))
		return
	}
	writeFile(w, "application/geo+json", stem(name)+".geojson", out)
}

// HandleFlatGeobufToGeoJSON handles POST /helper/flatgeobuf-to-geojson.
func (h *HelperHandler) HandleFlatGeobufToGeoJSON(w http.ResponseWriter, r *http.Request) {
	raw, _, err := readUpload(r, "flatgeobuf", ".fgb")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var fc *geojson.FeatureCollection
	if v := r.FormValue("bbox"); v != "" {
		b, perr := parseBBox(v)
		if perr != nil {
			writeError(w, r, perr)
			return
		}
		fc, err = fgb.SearchBBox(raw, b)
	} else {
		fc, err = h.codec.Decode(r.Context(), raw)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if fc == nil {
		fc = geojson.NewFeatureCollection()
	}
	writeJSON(w, http.StatusOK, fc)
}

// parseBBox reads "minx,miny,maxx,maxy".
func parseBBox(v string) (orb.Bound, error) {
	parts := strings.Split(v, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("%w: bbox needs four comma separated numbers", errdefs.ErrValidation)
	}
	var n [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("%w: invalid bbox value %q", errdefs.ErrValidation, p)
		}
		n[i] = f
	}
	if n[0] > n[2] || n[1] > n[3] {
		return orb.Bound{}, fmt.Errorf("%w: bbox min exceeds max", errdefs.ErrValidation)
	}
	return orb.Bound{Min: orb.Point{n[0], n[1]}, Max: orb.Point{n[2], n[3]}}, nil
}

// HandleGeoJSONToFlatGeobuf handles POST /helper/geojson-to-flatgeobuf.
func (h *HelperHandler) HandleGeoJSONToFlatGeobuf(w http.ResponseWriter, r *http.Request) {
	raw, name, err := readUpload(r, "geojson", ".json", ".geojson")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := geo.CheckCRSBytes(raw); err != nil {
		writeError(w, r, err)
		return
	}
	fc, err := prepare(raw, false)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := h.codec.Encode(r.Context(), fc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeFile(w, "application/octet-stream", stem(name)+".fgb", out)
}

// HandleCreateEntities handles POST /helper/create-entities-from-csv.
// The dataset must already exist on the server and the CSV columns must
// match its properties.
func (h *HelperHandler) HandleCreateEntities(w http.ResponseWriter, r *http.Request) {
	projectID, err := strconv.ParseInt(r.FormValue("odk_project_id"), 10, 64)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: odk_project_id must be an integer", errdefs.ErrValidation))
		return
	}
	dataset := r.FormValue("entity_name")
	if dataset == "" {
		writeError(w, r, fmt.Errorf("%w: entity_name is required", errdefs.ErrValidation))
		return
	}
	raw, _, err := readUpload(r, "csv_file", ".csv")
	if err != nil {
		writeError(w, r, err)
		return
	}

	rows, err := central.ParseEntityCSV(bytes.NewReader(raw), uuid.NewString)
	if err != nil {
		writeError(w, r, err)
		return
	}
	entities := central.EntitiesFromRows(rows)
	if err := h.central.CreateEntities(r.Context(), projectID, dataset, entities); err != nil {
		writeError(w, r, err)
		return
	}

	h.logger.Info("Created entities from CSV",
		"odk_project_id", projectID,
		"dataset", dataset,
		"count", len(entities))
	writeJSON(w, http.StatusOK, map[string]any{"created": len(entities)})
}
