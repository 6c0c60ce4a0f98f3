package directory

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/sensornet/internal/cluster"
)

func sensorAt(id string, lat, lon float64) cluster.Sensor {
	return cluster.Sensor{ID: id, Host: "127.0.0.1", Port: 10000, Latitude: lat, Longitude: lon}
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()

	assert.True(t, r.Register(sensorAt("a", 15.9, 45.8)))
	assert.False(t, r.Register(sensorAt("a", 15.95, 45.8)), "duplicate id")

	for name, s := range map[string]cluster.Sensor{
		"empty id":  {Host: "h", Port: 1},
		"no host":   {ID: "x", Port: 1},
		"zero port": {ID: "x", Host: "h"},
		"big port":  {ID: "x", Host: "h", Port: 70000},
	} {
		assert.False(t, r.Register(s), name)
	}
	assert.Equal(t, 1, r.Len())

	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, 15.9, got.Latitude)
}

func TestRegistryDeregister(t *testing.T) {
	r := NewRegistry()
	r.Register(sensorAt("a", 15.9, 45.8))
	r.Register(sensorAt("b", 15.9, 45.8))

	assert.True(t, r.Deregister("a"))
	assert.False(t, r.Deregister("a"))
	_, ok := r.Get("a")
	assert.False(t, ok)
	assert.Equal(t, []cluster.Sensor{sensorAt("b", 15.9, 45.8)}, r.List())

	// The id can be reused after leaving.
	assert.True(t, r.Register(sensorAt("a", 15.9, 45.8)))
}

func TestRegistryListIsSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		r.Register(sensorAt(id, 15.9, 45.8))
	}
	ids := []string{}
	for _, s := range r.List() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestRegistryClosest(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Closest("ghost")
	assert.False(t, ok)

	r.Register(sensorAt("home", 15.90, 45.80))
	closest, ok := r.Closest("home")
	require.True(t, ok)
	assert.Nil(t, closest, "lone sensor has no neighbour")

	r.Register(sensorAt("far", 15.99, 45.84))
	r.Register(sensorAt("near", 15.91, 45.80))
	r.Register(sensorAt("mid", 15.95, 45.78))

	closest, ok = r.Closest("home")
	require.True(t, ok)
	require.NotNil(t, closest)
	assert.Equal(t, "near", closest.ID)

	r.SetExcluded(func(id string) bool { return id == "near" })
	closest, _ = r.Closest("home")
	require.NotNil(t, closest)
	assert.Equal(t, "mid", closest.ID)

	r.SetExcluded(func(id string) bool { return id != "home" })
	closest, ok = r.Closest("home")
	assert.True(t, ok)
	assert.Nil(t, closest)
}

func TestDistance(t *testing.T) {
	a := sensorAt("a", 15.87, 45.75)
	assert.Zero(t, Distance(a, a))

	// One degree of latitude is about 111 km.
	b := sensorAt("b", 16.87, 45.75)
	assert.InDelta(t, 111.19, Distance(a, b), 0.1)
	assert.InDelta(t, Distance(a, b), Distance(b, a), 1e-9)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			r.Register(sensorAt(id, 15.87+float64(i)/1000, 45.8))
			r.Closest(id)
			r.List()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 20, r.Len())
}
