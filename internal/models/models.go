package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate lies inside WGS84 bounds.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Place is an addressed point of an itinerary.
type Place struct {
	Address string `json:"address"`
	Coord
}

type VehicleType string

const (
	VehicleStandard VehicleType = "STANDARD"
	VehicleLuxury   VehicleType = "LUXURY"
	VehicleVan      VehicleType = "VAN"
)

func (v VehicleType) Valid() bool {
	switch v {
	case VehicleStandard, VehicleLuxury, VehicleVan:
		return true
	}
	return false
}

type RideStatus string

const (
	RideScheduled     RideStatus = "SCHEDULED"
	RideAccepted      RideStatus = "ACCEPTED"
	RideInProgress    RideStatus = "IN_PROGRESS"
	RideStopRequested RideStatus = "STOP_REQUESTED"
	RideCompleted     RideStatus = "COMPLETED"
	RideCancelled     RideStatus = "CANCELLED"
	RideRejected      RideStatus = "REJECTED"
)

// Active reports whether the status still binds a driver and a requester.
func (s RideStatus) Active() bool {
	switch s {
	case RideScheduled, RideAccepted, RideInProgress, RideStopRequested:
		return true
	}
	return false
}

// Terminal statuses admit no further transitions.
func (s RideStatus) Terminal() bool {
	switch s {
	case RideCompleted, RideCancelled, RideRejected:
		return true
	}
	return false
}

// Moving reports whether a live vehicle position is meaningful.
func (s RideStatus) Moving() bool {
	return s == RideInProgress || s == RideStopRequested
}

type CancelActor string

const (
	ActorPassenger CancelActor = "passenger"
	ActorDriver    CancelActor = "driver"
	ActorSystem    CancelActor = "system"
)

type RideStop struct {
	Seq     int     `json:"seq" db:"seq"`
	Address string  `json:"address" db:"address"`
	Lat     float64 `json:"lat" db:"lat"`
	Lon     float64 `json:"lon" db:"lon"`
}

func (s RideStop) Coord() Coord { return Coord{Lat: s.Lat, Lon: s.Lon} }

type Cancellation struct {
	Reason string      `json:"reason"`
	By     CancelActor `json:"by"`
	At     time.Time   `json:"at"`
}

// Ride is one passenger-to-destination service instance. Stops[0] is the
// pickup and the last stop is the dropoff.
type Ride struct {
	ID         string      `json:"id"`
	CreatorID  string      `json:"creator_id"`
	DriverID   string      `json:"driver_id,omitempty"`
	Passengers []string    `json:"passengers"`
	Stops      []RideStop  `json:"stops"`
	Vehicle    VehicleType `json:"vehicle_type"`
	Baby       bool        `json:"baby_transport"`
	Pet        bool        `json:"pet_transport"`

	Price           float64 `json:"price"`
	DistanceKm      float64 `json:"distance_km"`
	DurationMinutes float64 `json:"duration_minutes"`
	Route           []Coord `json:"route,omitempty"`

	Status         RideStatus    `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	ScheduledAt    *time.Time    `json:"scheduled_at,omitempty"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	ReminderSentAt *time.Time    `json:"last_reminder_sent_at,omitempty"`
	Cancellation   *Cancellation `json:"cancellation,omitempty"`
}

func (r *Ride) Pickup() RideStop  { return r.Stops[0] }
func (r *Ride) Dropoff() RideStop { return r.Stops[len(r.Stops)-1] }

func (r *Ride) HasPassenger(id string) bool {
	for _, p := range r.Passengers {
		if p == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so stores can hand out rides without sharing slices.
func (r *Ride) Clone() *Ride {
	c := *r
	c.Passengers = append([]string(nil), r.Passengers...)
	c.Stops = append([]RideStop(nil), r.Stops...)
	c.Route = append([]Coord(nil), r.Route...)
	if r.Cancellation != nil {
		cc := *r.Cancellation
		c.Cancellation = &cc
	}
	return &c
}

// DriverPresence is the durable online/busy/location record of one driver.
type DriverPresence struct {
	DriverID string      `json:"driver_id" db:"driver_id"`
	Vehicle  VehicleType `json:"vehicle_type" db:"vehicle_type"`
	Plate    string      `json:"license_plate" db:"license_plate"`
	BabyOK   bool        `json:"baby_friendly" db:"baby_friendly"`
	PetOK    bool        `json:"pet_friendly" db:"pet_friendly"`

	Online    bool      `json:"online" db:"online"`
	Busy      bool      `json:"busy" db:"busy"`
	Lat       float64   `json:"lat" db:"lat"`
	Lon       float64   `json:"lon" db:"lon"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	CurrentRideEndsAt *time.Time `json:"current_ride_ends_at,omitempty" db:"current_ride_ends_at"`
	EndLat            *float64   `json:"end_lat,omitempty" db:"end_lat"`
	EndLon            *float64   `json:"end_lon,omitempty" db:"end_lon"`
	NextScheduledAt   *time.Time `json:"next_scheduled_ride_at,omitempty" db:"next_scheduled_ride_at"`

	Version int64 `json:"version" db:"version"`
}

func (p DriverPresence) Position() Coord { return Coord{Lat: p.Lat, Lon: p.Lon} }

// ReleaseRide clears the busy flag and the current ride hints.
func (p *DriverPresence) ReleaseRide() {
	p.Busy = false
	p.CurrentRideEndsAt = nil
	p.EndLat = nil
	p.EndLon = nil
}

// TrackingSample is the transient position report of an active ride.
type TrackingSample struct {
	DriverID   string    `json:"driver_id"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Heading    *float64  `json:"heading,omitempty"`
	Speed      *float64  `json:"speed,omitempty"` // m/s
	RecordedAt time.Time `json:"recorded_at"`
}

func (s TrackingSample) Coord() Coord { return Coord{Lat: s.Lat, Lon: s.Lon} }

// Estimate is what the estimation collaborator returns for an itinerary.
type Estimate struct {
	Price           float64 `json:"price"`
	DurationMinutes float64 `json:"duration_minutes"`
	DistanceKm      float64 `json:"distance_km"`
	Route           []Coord `json:"route_points"`
}

// VehicleProfile is the driver's registered vehicle as seen by dispatch.
type VehicleProfile struct {
	Type   VehicleType `db:"vehicle_type"`
	Plate  string      `db:"license_plate"`
	BabyOK bool        `db:"baby_friendly"`
	PetOK  bool        `db:"pet_friendly"`
}
