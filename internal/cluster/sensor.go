package cluster

import (
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"

	"github.com/google/uuid"
)

// Bounding box that new sensors are placed in.
const (
	LatitudeMin  = 15.87
	LatitudeMax  = 16.00
	LongitudeMin = 45.75
	LongitudeMax = 45.85
)

// Sensor identifies one node of the network: who it is, where its peer
// server listens, and where it stands. Immutable once created.
type Sensor struct {
	ID        string  `json:"username"`
	Host      string  `json:"ipAddress"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Port      int     `json:"port"`
}

// NewSensor creates a sensor with a random unique ID and a location drawn
// uniformly from the bounding box.
func NewSensor(host string, port int) Sensor {
	return Sensor{
		ID:        uuid.NewString(),
		Host:      host,
		Port:      port,
		Latitude:  LatitudeMin + rand.Float64()*(LatitudeMax-LatitudeMin),
		Longitude: LongitudeMin + rand.Float64()*(LongitudeMax-LongitudeMin),
	}
}

// Address returns the host:port of the sensor's peer server.
func (s Sensor) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Equal compares every field.
func (s Sensor) Equal(o Sensor) bool {
	return s == o
}

func (s Sensor) String() string {
	return fmt.Sprintf("Sensor{id=%s, addr=%s, lat=%.5f, lon=%.5f}", s.ID, s.Address(), s.Latitude, s.Longitude)
}
