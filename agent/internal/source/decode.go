package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

var errNotFinite = errors.New("reading is not a finite number")

// jsonReading is the JSON payload form. Firmware variants publish the
// value under either key.
type jsonReading struct {
	Weight *float64 `json:"weight"`
	Value  *float64 `json:"value"`
}

// decodeReading parses a reading payload: a plain decimal such as
// "0.5012", or a JSON object {"weight": 0.5012}.
func decodeReading(payload []byte) (float64, error) {
	p := bytes.TrimSpace(payload)
	if len(p) == 0 {
		return 0, errors.New("empty payload")
	}

	var v float64
	if p[0] == '{' {
		var r jsonReading
		if err := json.Unmarshal(p, &r); err != nil {
			return 0, fmt.Errorf("decode json reading: %w", err)
		}
		switch {
		case r.Weight != nil:
			v = *r.Weight
		case r.Value != nil:
			v = *r.Value
		default:
			return 0, errors.New("json reading has no weight or value field")
		}
	} else {
		f, err := strconv.ParseFloat(string(p), 64)
		if err != nil {
			return 0, fmt.Errorf("decode reading: %w", err)
		}
		v = f
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errNotFinite
	}
	return v, nil
}
