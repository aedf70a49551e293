package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"fmtmgo/pkg/errdefs"
)

var errMissingUpload = fmt.Errorf("%w: missing upload", errdefs.ErrValidation)

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write JSON response", "error", err)
	}
}

// writeFile sends raw bytes as a download.
func writeFile(w http.ResponseWriter, contentType, filename string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Error("Failed to write file response", "error", err, "filename", filename)
	}
}

// writeError maps err onto a status code and a {"detail": ...} body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errdefs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		slog.Warn("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"detail": err.Error()})
}

// readUpload reads a multipart file field. When exts is non-empty the
// filename must carry one of them (case-insensitive).
func readUpload(r *http.Request, field string, exts ...string) (data []byte, filename string, err error) {
	f, hdr, err := r.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, "", fmt.Errorf("%w: %s", errMissingUpload, field)
		}
		return nil, "", fmt.Errorf("%w: failed to read upload %s: %v", errdefs.ErrParse, field, err)
	}
	defer f.Close()

	if len(exts) > 0 {
		ext := strings.ToLower(path.Ext(hdr.Filename))
		ok := false
		for _, e := range exts {
			if ext == e {
				ok = true
				break
			}
		}
		if !ok {
			return nil, "", fmt.Errorf("%w: provide a valid %s file", errdefs.ErrValidation, strings.Join(exts, ","))
		}
	}

	data, err = io.ReadAll(f)
	if err != nil {
		return nil, "", fmt.Errorf("%w: failed to read upload %s: %v", errdefs.ErrParse, field, err)
	}
	return data, hdr.Filename, nil
}

// optionalUpload is readUpload that returns (nil, nil) for a missing field.
func optionalUpload(r *http.Request, field string, exts ...string) ([]byte, error) {
	data, _, err := readUpload(r, field, exts...)
	if errors.Is(err, errMissingUpload) {
		return nil, nil
	}
	return data, err
}

// formInt reads an integer form or query value with a fallback.
func formInt(r *http.Request, key string, def int) (int, error) {
	s := strings.TrimSpace(r.FormValue(key))
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", errdefs.ErrValidation, key)
	}
	return n, nil
}

func stem(filename string) string {
	base := path.Base(filename)
	return strings.TrimSuffix(base, path.Ext(base))
}

func newRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
