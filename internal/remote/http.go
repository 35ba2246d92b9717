package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// HTTPClient is the thin REST binding of Client. Retries and rate limiting
// belong to RetryClient; this layer only shapes requests and classifies
// responses into error kinds.
type HTTPClient struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func (c *HTTPClient) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return Transient(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func classifyStatus(code int) error {
	switch {
	case code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code == http.StatusBadRequest:
		return ErrInvalidRequest
	case code == http.StatusUnauthorized:
		return ErrAuth
	case code == http.StatusForbidden:
		return ErrPermission
	case code == http.StatusNotFound:
		return ErrNotFound
	case code >= 500:
		return Transient(fmt.Errorf("server returned %d", code))
	default:
		return fmt.Errorf("server returned %d", code)
	}
}

// objectPath maps a type tag to its collection path segment
func objectPath(object string) string {
	return "/v1/" + object + "s"
}

func (c *HTTPClient) List(ctx context.Context, object string, params ListParams) (Page, error) {
	q := url.Values{}
	limit := params.Limit
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	q.Set("limit", strconv.Itoa(limit))
	if params.StartingAfter != "" {
		q.Set("starting_after", params.StartingAfter)
	}
	if params.Created != nil {
		if params.Created.GTE != 0 {
			q.Set("created[gte]", strconv.FormatInt(params.Created.GTE, 10))
		}
		if params.Created.LTE != 0 {
			q.Set("created[lte]", strconv.FormatInt(params.Created.LTE, 10))
		}
	}
	for k, v := range params.Filter {
		q.Set(k, v)
	}

	var body struct {
		Data    []Object `json:"data"`
		HasMore bool     `json:"has_more"`
	}
	if err := c.doJSON(ctx, http.MethodGet, objectPath(object), q, nil, &body); err != nil {
		return Page{}, err
	}
	return Page{Data: body.Data, HasMore: body.HasMore}, nil
}

func (c *HTTPClient) Retrieve(ctx context.Context, object, id string) (Object, error) {
	var obj Object
	if err := c.doJSON(ctx, http.MethodGet, objectPath(object)+"/"+id, nil, nil, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func (c *HTTPClient) CreateQueryRun(ctx context.Context, sql string) (string, error) {
	var body struct {
		ID string `json:"id"`
	}
	req := map[string]string{"sql": sql}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/query_runs", nil, req, &body); err != nil {
		return "", err
	}
	return body.ID, nil
}

func (c *HTTPClient) GetQueryRun(ctx context.Context, id string) (QueryRun, error) {
	var body struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		File   struct {
			ID string `json:"id"`
		} `json:"file"`
		Error string `json:"error"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/query_runs/"+id, nil, nil, &body); err != nil {
		return QueryRun{}, err
	}
	return QueryRun{
		ID:     body.ID,
		Status: QueryRunStatus(body.Status),
		FileID: body.File.ID,
		Error:  body.Error,
	}, nil
}

func (c *HTTPClient) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/files/"+fileID+"/contents", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.client().Do(req)
	if err != nil {
		return nil, Transient(err)
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, fmt.Errorf("download %s: %w", fileID, err)
	}
	return io.ReadAll(resp.Body)
}
