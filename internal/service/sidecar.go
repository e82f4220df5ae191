package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"photo_pipeline/internal/domain"
)

// sidecar is the optional "<key>.json" document stored next to an image.
type sidecar struct {
	TakenAt    *time.Time      `json:"taken_at"`
	ModifiedAt *time.Time      `json:"modified_at"`
	Latitude   *float64        `json:"latitude"`
	Longitude  *float64        `json:"longitude"`
	Place      json.RawMessage `json:"place"`
	Labels     []string        `json:"labels"`
	Metadata   json.RawMessage `json:"metadata"`
}

type sidecarPlace struct {
	Name          *string `json:"name"`
	Country       *string `json:"country"`
	StateProvince *string `json:"state_province"`
	City          *string `json:"city"`
}

var errMalformedSidecar = errors.New("malformed sidecar")

func parseSidecar(data []byte) (*sidecar, error) {
	var sc sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedSidecar, err)
	}
	if !isObjectOrNull(sc.Place) {
		return nil, fmt.Errorf("%w: place must be an object", errMalformedSidecar)
	}
	if !isObjectOrNull(sc.Metadata) {
		return nil, fmt.Errorf("%w: metadata must be an object", errMalformedSidecar)
	}
	return &sc, nil
}

// apply copies the sidecar onto p; p is left untouched on error.
func (sc *sidecar) apply(p *domain.Photo) error {
	var place sidecarPlace
	if !isNull(sc.Place) {
		if err := json.Unmarshal(sc.Place, &place); err != nil {
			return fmt.Errorf("%w: place: %v", errMalformedSidecar, err)
		}
		p.PlaceData = sc.Place
	}
	p.PlaceName = place.Name
	p.Country = place.Country
	p.StateProvince = place.StateProvince
	p.City = place.City

	p.TakenAt = utc(sc.TakenAt)
	p.ModifiedAt = utc(sc.ModifiedAt)
	p.Latitude = sc.Latitude
	p.Longitude = sc.Longitude
	p.Labels = sc.Labels
	if !isNull(sc.Metadata) {
		p.Metadata = sc.Metadata
	}
	return nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

func isObjectOrNull(raw json.RawMessage) bool {
	return isNull(raw) || bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{"))
}
