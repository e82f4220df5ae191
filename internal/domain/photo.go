package domain

import (
	"encoding/json"
	"time"
)

// Photo is the primary record created for every ingested image object.
type Photo struct {
	ID            int64
	ObjectKey     string
	Size          int64
	Fingerprint   string
	TakenAt       *time.Time
	ModifiedAt    *time.Time
	Latitude      *float64
	Longitude     *float64
	PlaceName     *string
	Country       *string
	StateProvince *string
	City          *string
	PlaceData     json.RawMessage
	Labels        []string
	Caption       *string
	Metadata      json.RawMessage
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EffectiveDate is the modification date when present, else the primary date.
func (p *Photo) EffectiveDate() *time.Time {
	if p.ModifiedAt != nil {
		return p.ModifiedAt
	}
	return p.TakenAt
}

// QuarantineRecord is a malformed input set aside by ingestion or the consumer.
type QuarantineRecord struct {
	ID        int64     `db:"id"`
	Source    string    `db:"source"`
	Key       string    `db:"object_key"`
	Reason    string    `db:"reason"`
	Payload   []byte    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

const (
	QuarantineSourceRemote = "remote"
	QuarantineSourceQueue  = "queue"
)
