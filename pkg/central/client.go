package central

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"fmtmgo/pkg/errdefs"
	"fmtmgo/pkg/model"
	"fmtmgo/pkg/request"
	"fmtmgo/pkg/submission"
)

// Client is the subset of the ODK Central API the project workflow uses.
type Client interface {
	CreateForm(ctx context.Context, projectID int64, xform []byte) (string, error)
	PublishForm(ctx context.Context, projectID int64, formID string) error
	UploadMedia(ctx context.Context, projectID int64, formID, filename string, data []byte) error
	CreateEntities(ctx context.Context, projectID int64, dataset string, entities []Entity) error
	GetEntity(ctx context.Context, projectID int64, dataset, uuid string) (map[string]interface{}, error)
	UpdateEntity(ctx context.Context, projectID int64, dataset, uuid, label string, data map[string]string) (map[string]interface{}, error)
	ListEntities(ctx context.Context, projectID int64, dataset, selectFields string) ([]map[string]interface{}, error)
}

// HTTPClient implements Client against the Central REST and OData API.
type HTTPClient struct {
	baseURL string
	auth    map[string]string
	http    *request.Client
	logger  *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient returns a client for the server at baseURL.
func NewHTTPClient(baseURL, user, password string, transport *request.Client, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		auth:    request.BasicAuth(user, password),
		http:    transport,
		logger:  logger,
	}
}

func (c *HTTPClient) headers(contentType string) map[string]string {
	h := make(map[string]string, len(c.auth)+1)
	for k, v := range c.auth {
		h[k] = v
	}
	if contentType != "" {
		h["Content-Type"] = contentType
	}
	return h
}

func (c *HTTPClient) url(format string, args ...interface{}) string {
	return c.baseURL + "/v1" + fmt.Sprintf(format, args...)
}

// CreateForm uploads an XForm as a draft and returns its xmlFormId.
func (c *HTTPClient) CreateForm(ctx context.Context, projectID int64, xform []byte) (string, error) {
	u := c.url("/projects/%d/forms?ignoreWarnings=true&publish=false", projectID)
	body, err := c.http.Post(ctx, u, xform, c.headers("application/xml"))
	if err != nil {
		return "", fmt.Errorf("failed to create form: %w", err)
	}
	var resp struct {
		XMLFormID string `json:"xmlFormId"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: invalid form response: %v", errdefs.ErrExternal, err)
	}
	c.logger.Info("Created ODK form", "project", projectID, "form", resp.XMLFormID)
	return resp.XMLFormID, nil
}

// PublishForm publishes the current draft of a form.
func (c *HTTPClient) PublishForm(ctx context.Context, projectID int64, formID string) error {
	u := c.url("/projects/%d/forms/%s/draft/publish", projectID, url.PathEscape(formID))
	if _, err := c.http.Post(ctx, u, nil, c.headers("")); err != nil {
		return fmt.Errorf("failed to publish form: %w", err)
	}
	return nil
}

// UploadMedia attaches a media file to the form draft.
func (c *HTTPClient) UploadMedia(ctx context.Context, projectID int64, formID, filename string, data []byte) error {
	u := c.url("/projects/%d/forms/%s/draft/attachments/%s", projectID, url.PathEscape(formID), url.PathEscape(filename))
	ct := "application/octet-stream"
	switch {
	case strings.HasSuffix(filename, ".csv"):
		ct = "text/csv"
	case strings.HasSuffix(filename, ".geojson"):
		ct = "application/geo+json"
	}
	if _, err := c.http.Post(ctx, u, data, c.headers(ct)); err != nil {
		return fmt.Errorf("failed to upload media %s: %w", filename, err)
	}
	return nil
}

// CreateEntities bulk-creates entities in a dataset. Entities without a UUID
// are rejected since Central needs the caller to pick one.
func (c *HTTPClient) CreateEntities(ctx context.Context, projectID int64, dataset string, entities []Entity) error {
	if len(entities) == 0 {
		return nil
	}
	for _, e := range entities {
		if e.UUID == "" {
			return fmt.Errorf("%w: entity %q has no uuid", errdefs.ErrValidation, e.Label)
		}
	}
	payload := map[string]interface{}{
		"entities": entities,
		"source":   map[string]interface{}{"name": dataset + ".csv", "size": len(entities)},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode entities: %w", err)
	}
	u := c.url("/projects/%d/datasets/%s/entities", projectID, url.PathEscape(dataset))
	if _, err := c.http.Post(ctx, u, b, c.headers("application/json")); err != nil {
		return fmt.Errorf("failed to create entities: %w", err)
	}
	c.logger.Info("Created ODK entities", "project", projectID, "dataset", dataset, "count", len(entities))
	return nil
}

// GetEntity fetches one entity with its current version.
func (c *HTTPClient) GetEntity(ctx context.Context, projectID int64, dataset, uuid string) (map[string]interface{}, error) {
	u := c.url("/projects/%d/datasets/%s/entities/%s", projectID, url.PathEscape(dataset), url.PathEscape(uuid))
	body, err := c.http.Get(ctx, u, c.headers(""))
	if err != nil {
		return nil, fmt.Errorf("failed to get entity %s: %w", uuid, err)
	}
	return decodeObject(body)
}

// UpdateEntity replaces the label and merges data into the entity, forcing
// past version conflicts.
func (c *HTTPClient) UpdateEntity(ctx context.Context, projectID int64, dataset, uuid, label string, data map[string]string) (map[string]interface{}, error) {
	b, err := json.Marshal(map[string]interface{}{"label": label, "data": data})
	if err != nil {
		return nil, fmt.Errorf("failed to encode entity: %w", err)
	}
	u := c.url("/projects/%d/datasets/%s/entities/%s?force=true", projectID, url.PathEscape(dataset), url.PathEscape(uuid))
	body, err := c.http.Patch(ctx, u, b, c.headers("application/json"))
	if err != nil {
		return nil, fmt.Errorf("failed to update entity %s: %w", uuid, err)
	}
	return decodeObject(body)
}

// ListEntities reads a dataset through OData. selectFields, when set, is
// sent as $select with __id always included.
func (c *HTTPClient) ListEntities(ctx context.Context, projectID int64, dataset, selectFields string) ([]map[string]interface{}, error) {
	u := c.url("/projects/%d/datasets/%s.svc/Entities", projectID, url.PathEscape(dataset))
	if selectFields != "" {
		u += "?" + url.Values{"$select": {"__id," + selectFields}}.Encode()
	}
	body, err := c.http.Get(ctx, u, c.headers(""))
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	var resp struct {
		Value []map[string]interface{} `json:"value"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: invalid odata response: %v", errdefs.ErrExternal, err)
	}
	return resp.Value, nil
}

// Ping checks that the server is reachable and accepts the credentials.
func (c *HTTPClient) Ping(ctx context.Context) error {
	if _, err := c.http.Get(ctx, c.url("/users/current"), c.headers("")); err != nil {
		return fmt.Errorf("odk central unreachable: %w", err)
	}
	return nil
}

func decodeObject(body []byte) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: invalid entity response: %v", errdefs.ErrExternal, err)
	}
	return out, nil
}

// SetEntityStatus relabels an entity with the status emoji, stores the new
// status in its data and returns the flattened result.
func SetEntityStatus(ctx context.Context, c Client, projectID int64, dataset, uuid, label string, status model.TaskStatus) (map[string]interface{}, error) {
	entity, err := c.UpdateEntity(ctx, projectID, dataset, uuid, StatusLabel(label, status), map[string]string{"status": status.Value()})
	if err != nil {
		return nil, err
	}
	return submission.EntityToFlat(entity)
}

// EntityStatus fetches and flattens one entity.
func EntityStatus(ctx context.Context, c Client, projectID int64, dataset, uuid string) (map[string]interface{}, error) {
	entity, err := c.GetEntity(ctx, projectID, dataset, uuid)
	if err != nil {
		return nil, err
	}
	return submission.EntityToFlat(entity)
}
