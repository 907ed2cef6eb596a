package data

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Event is one decoded position report received from a device.
type Event struct {
	ID       uint64 `gorm:"primaryKey"`
	DeviceID string `gorm:"index; not null"`
	// Protocol and listener (e.g. "TCP:31200") the report arrived through.
	Protocol string
	Listener string
	Remote   string
	// Time reported by the device, not the time of arrival.
	Timestamp time.Time `gorm:"index"`
	Latitude  float64
	Longitude float64
	// Raw packet as received.
	Raw        []byte
	ReceivedAt time.Time
}

// Device tracks the last known position of every device that reported in.
type Device struct {
	ID            string `gorm:"primaryKey"`
	Protocol      string
	LastSeen      time.Time
	LastLatitude  float64
	LastLongitude float64
	EventCount    int64
}

// CreateEvent persists the Event and updates the last known position of its
// device in the same transaction.
func CreateEvent(db *gorm.DB, event *Event) error {
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(event).Error; err != nil {
			return err
		}
		device := &Device{
			ID:            event.DeviceID,
			Protocol:      event.Protocol,
			LastSeen:      event.Timestamp,
			LastLatitude:  event.Latitude,
			LastLongitude: event.Longitude,
			EventCount:    1,
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"protocol":       event.Protocol,
				"last_seen":      event.Timestamp,
				"last_latitude":  event.Latitude,
				"last_longitude": event.Longitude,
				"event_count":    gorm.Expr("devices.event_count + 1"),
			}),
		}).Create(device).Error
	})
}

// FindEventsByDevice returns the most recent events of a device, newest first.
// A limit of 0 returns all of them.
func FindEventsByDevice(db *gorm.DB, deviceID string, limit int) ([]Event, error) {
	var events []Event
	query := db.Where("device_id = ?", deviceID).Order("timestamp desc, id desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// FindDevice returns the Device with the specified ID or nil if there is no match.
func FindDevice(db *gorm.DB, id string) (*Device, error) {
	var device Device
	err := db.Where("id = ?", id).First(&device).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &device, nil
}

// FindDevices returns every known device ordered by ID.
func FindDevices(db *gorm.DB) ([]Device, error) {
	var devices []Device
	if err := db.Order("id").Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

// EventStore adapts a database connection to the event sink the protocol
// handlers write to.
type EventStore struct {
	DB *gorm.DB
}

func (s EventStore) CreateEvent(event *Event) error {
	return CreateEvent(s.DB, event)
}
