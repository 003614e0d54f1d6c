package remote

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// toStruct converts a JSON-tagged Go value into a protobuf Struct. Numbers travel as
// doubles, which is exact for every float64 and for integers below 2^53.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("build payload: %w", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return fmt.Errorf("empty payload")
	}
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

type parametersRequest struct {
	Particles []particle `json:"particles"`
}

// particle mirrors model.ParticleParameters with every field always present.
type particle struct {
	Index   int     `json:"index"`
	Charge  float64 `json:"charge"`
	Sigma   float64 `json:"sigma"`
	Epsilon float64 `json:"epsilon"`
	Sterics float64 `json:"sterics"`
}

type energyResponse struct {
	EnergyKJ float64 `json:"energy_kj"`
}

type stepRequest struct {
	Steps int `json:"steps"`
}

type snapshotPayload struct {
	Positions  [][3]float64 `json:"positions"`
	Velocities [][3]float64 `json:"velocities"`
}
