package cluster

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/sensornet/internal/measurement"
)

// TestNewSensor verifies identity generation and the bounding box
func TestNewSensor(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		s := NewSensor("localhost", 10000+i)
		assert.False(t, seen[s.ID], "duplicate id %s", s.ID)
		seen[s.ID] = true

		assert.GreaterOrEqual(t, s.Latitude, LatitudeMin)
		assert.Less(t, s.Latitude, LatitudeMax)
		assert.GreaterOrEqual(t, s.Longitude, LongitudeMin)
		assert.Less(t, s.Longitude, LongitudeMax)
		assert.Equal(t, net.JoinHostPort("localhost", strconv.Itoa(10000+i)), s.Address())
	}
}

// TestSensorJSON verifies the wire names used by the directory
func TestSensorJSON(t *testing.T) {
	s := Sensor{ID: "abc", Host: "10.0.0.1", Port: 10001, Latitude: 15.9, Longitude: 45.8}
	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"username":"abc","ipAddress":"10.0.0.1","port":10001,"latitude":15.9,"longitude":45.8}`, string(data))

	var decoded Sensor
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, s.Equal(decoded))
	assert.False(t, s.Equal(Sensor{ID: "abc"}))
}

func newDirectoryServer(t *testing.T, h http.HandlerFunc) *Directory {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewDirectory(srv.URL+"/", 2*time.Second)
}

func TestDirectoryRegister(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		var got Sensor
		d := newDirectoryServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/sensors/", r.URL.Path)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			_, _ = io.WriteString(w, "true")
		})

		s := NewSensor("localhost", 10000)
		ok, err := d.Register(context.Background(), s)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, s.Equal(got))
	})

	t.Run("refused", func(t *testing.T) {
		d := newDirectoryServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "false")
		})
		ok, err := d.Register(context.Background(), NewSensor("localhost", 1))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("server error", func(t *testing.T) {
		d := newDirectoryServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		_, err := d.Register(context.Background(), NewSensor("localhost", 1))
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusInternalServerError, se.Code)
		assert.False(t, IsUnreachable(err))
	})
}

func TestDirectoryUnreachable(t *testing.T) {
	// Grab a free port and release it so nothing listens there.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	d := NewDirectory("http://"+addr, time.Second)
	_, err = d.Register(context.Background(), NewSensor("localhost", 1))
	require.Error(t, err)
	assert.True(t, IsUnreachable(err))

	_, err = d.Closest(context.Background(), "x")
	assert.True(t, IsUnreachable(err))
}

func TestDirectoryDeregister(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	d := newDirectoryServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/sensors/abc", r.URL.Path)
		w.WriteHeader(int(status.Load()))
	})

	ok, err := d.Deregister(context.Background(), "abc")
	require.NoError(t, err)
	assert.True(t, ok)

	status.Store(http.StatusNotFound)
	ok, err = d.Deregister(context.Background(), "abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDirectoryReport(t *testing.T) {
	var got measurement.Measurement
	d := newDirectoryServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sensors/abc/measurements", r.URL.Path)
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		got, err = measurement.Decode(raw)
		require.NoError(t, err)
		_, _ = io.WriteString(w, "true\n")
	})

	m := measurement.Measurement{Temperature: 20, Pressure: 1000, Humidity: 40, CO: measurement.Int(3)}
	ok, err := d.Report(context.Background(), "abc", m)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, m.Equal(got))
}

func TestDirectoryClosest(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    *Sensor
		wantErr error
	}{
		{name: "null means no neighbour", body: "null"},
		{name: "empty body means no neighbour", body: ""},
		{
			name: "neighbour",
			body: `{"username":"n1","ipAddress":"127.0.0.1","port":10001,"latitude":15.9,"longitude":45.8}`,
			want: &Sensor{ID: "n1", Host: "127.0.0.1", Port: 10001, Latitude: 15.9, Longitude: 45.8},
		},
		{name: "malformed", body: `{"username":`, wantErr: ErrMalformedSensor},
		{name: "no id", body: `{"port":1}`, wantErr: ErrMalformedSensor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDirectoryServer(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/sensors/me/closest", r.URL.Path)
				_, _ = io.WriteString(w, tt.body)
			})
			got, err := d.Closest(context.Background(), "me")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
