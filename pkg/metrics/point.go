package metrics

import (
	"encoding/json"
	"time"
)

type pointJSON struct {
	Time  float64 `json:"time"`
	Value float64 `json:"value"`
}

// MarshalJSON encodes the point as {time: unix_seconds, value}
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal(pointJSON{
		Time:  float64(p.Time.UnixNano()) / float64(time.Second),
		Value: p.Value,
	})
}

// UnmarshalJSON decodes {time: unix_seconds, value}
func (p *Point) UnmarshalJSON(data []byte) error {
	var raw pointJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	sec := int64(raw.Time)
	nsec := int64((raw.Time - float64(sec)) * float64(time.Second))
	p.Time = time.Unix(sec, nsec)
	p.Value = raw.Value
	return nil
}
