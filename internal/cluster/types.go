package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dreamware/sensornet/internal/measurement"
)

var (
	// ErrUnreachable wraps failures to connect to the directory at all.
	ErrUnreachable = errors.New("directory unreachable")

	// ErrMalformedSensor reports a closest-peer answer that is not a sensor.
	ErrMalformedSensor = errors.New("malformed sensor")
)

// StatusError is returned for non-2xx directory responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %s: %d", e.URL, e.Code)
}

// IsUnreachable reports whether err means the directory could not be
// contacted at all, as opposed to a request that failed midway.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}

// Directory is an HTTP client for the sensor directory API.
//
//	POST   /sensors/                  register a Sensor, answers a JSON boolean
//	DELETE /sensors/{id}              deregister, success on 200
//	POST   /sensors/{id}/measurements report a Measurement, answers a JSON boolean
//	GET    /sensors/{id}/closest      closest Sensor, or null when alone
type Directory struct {
	client *http.Client
	base   string
}

// NewDirectory returns a client for the directory rooted at baseURL.
func NewDirectory(baseURL string, timeout time.Duration) *Directory {
	return &Directory{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the directory root.
func (d *Directory) BaseURL() string {
	return d.base
}

// Register submits s and reports whether the directory accepted it.
func (d *Directory) Register(ctx context.Context, s Sensor) (bool, error) {
	return d.postJSON(ctx, d.base+"/sensors/", s)
}

// Deregister removes the sensor with the given id.
func (d *Directory) Deregister(ctx context.Context, id string) (bool, error) {
	resp, err := d.do(ctx, http.MethodDelete, d.sensorURL(id), nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK, nil
}

// Report stores m as the latest measurement of sensor id.
func (d *Directory) Report(ctx context.Context, id string, m measurement.Measurement) (bool, error) {
	return d.postJSON(ctx, d.sensorURL(id)+"/measurements", m)
}

// Closest asks for the sensor nearest to id. A nil sensor with a nil error
// means id has no neighbour.
func (d *Directory) Closest(ctx context.Context, id string) (*Sensor, error) {
	u := d.sensorURL(id) + "/closest"
	resp, err := d.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, &StatusError{URL: u, Code: resp.StatusCode}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	body := strings.TrimSpace(string(raw))
	if body == "" || body == "null" {
		return nil, nil
	}

	var s Sensor
	if err := json.Unmarshal([]byte(body), &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSensor, err)
	}
	if s.ID == "" {
		return nil, fmt.Errorf("%w: missing id in %s", ErrMalformedSensor, body)
	}
	return &s, nil
}

func (d *Directory) sensorURL(id string) string {
	return d.base + "/sensors/" + url.PathEscape(id)
}

// postJSON posts body and interprets the response as a JSON boolean.
// Anything other than true counts as a refusal.
func (d *Directory) postJSON(ctx context.Context, u string, body any) (bool, error) {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return false, err
	}
	resp, err := d.do(ctx, http.MethodPost, u, reqBody)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return false, &StatusError{URL: u, Code: resp.StatusCode}
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(raw)) == "true", nil
}

func (d *Directory) do(ctx context.Context, method, u string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := d.client.Do(req)
	if err != nil {
		if isDialError(err) {
			return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
		}
		return nil, err
	}
	return resp, nil
}

func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
